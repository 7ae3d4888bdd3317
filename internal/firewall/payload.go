package firewall

import (
	"encoding/xml"
	"strings"
)

// Junos XML RPC bodies. Only the elements this service touches are modelled.

type candidate struct{}

type editTarget struct {
	Candidate candidate `xml:"candidate"`
}

type editConfig struct {
	XMLName xml.Name   `xml:"edit-config"`
	Target  editTarget `xml:"target"`
	Config  struct {
		Configuration configuration `xml:"configuration"`
	} `xml:"config"`
}

type getConfig struct {
	XMLName       xml.Name      `xml:"get-configuration"`
	Configuration configuration `xml:"configuration"`
}

type configuration struct {
	Security security `xml:"security"`
}

type security struct {
	AddressBook *addressBook `xml:"address-book,omitempty"`
	Policies    *policies    `xml:"policies,omitempty"`
}

type addressBook struct {
	Name       string      `xml:"name"`
	Address    *address    `xml:"address,omitempty"`
	AddressSet *addressSet `xml:"address-set,omitempty"`
}

type address struct {
	Operation string `xml:"operation,attr,omitempty"`
	Name      string `xml:"name"`
	IPPrefix  string `xml:"ip-prefix,omitempty"`
}

type addressSet struct {
	Name    string  `xml:"name"`
	Address address `xml:"address"`
}

type policies struct {
	Policy zonePolicy `xml:"policy"`
}

type zonePolicy struct {
	FromZone string  `xml:"from-zone-name"`
	ToZone   string  `xml:"to-zone-name"`
	Policy   *policy `xml:"policy,omitempty"`
}

type policy struct {
	Name  string      `xml:"name"`
	Match policyMatch `xml:"match"`
	Then  policyThen  `xml:"then"`
}

type policyMatch struct {
	SourceAddress      string `xml:"source-address"`
	DestinationAddress string `xml:"destination-address"`
	Application        string `xml:"application"`
}

type empty struct{}

type policyThen struct {
	Deny   *empty `xml:"deny,omitempty"`
	Permit *empty `xml:"permit,omitempty"`
	Log    struct {
		SessionInit empty `xml:"session-init"`
	} `xml:"log"`
}

const commitRPC = "<commit-configuration/>"

func edit(sec security) ([]byte, error) {
	var rpc editConfig
	rpc.Config.Configuration.Security = sec
	return xml.Marshal(rpc)
}

func get(sec security) ([]byte, error) {
	return xml.Marshal(getConfig{Configuration: configuration{Security: sec}})
}

// configReply is the part of a get-configuration answer we read.
type configReply struct {
	XMLName  xml.Name `xml:"configuration"`
	Security struct {
		AddressBook []struct {
			Name    string `xml:"name"`
			Address []struct {
				Name string `xml:"name"`
			} `xml:"address"`
		} `xml:"address-book"`
		Policies struct {
			Policy []struct {
				FromZone string `xml:"from-zone-name"`
				ToZone   string `xml:"to-zone-name"`
				Policy   []struct {
					Name string `xml:"name"`
				} `xml:"policy"`
			} `xml:"policy"`
		} `xml:"policies"`
	} `xml:"security"`
}

// extractConfiguration returns the <configuration> element of a reply. The
// REST endpoint may wrap it in a multipart body whose boundary line is both
// the first and the last line.
func extractConfiguration(body string) string {
	start := strings.Index(body, "<configuration")
	if start == -1 {
		return body
	}
	if strings.HasPrefix(body, "--") {
		boundary := body
		if nl := strings.IndexByte(body, '\n'); nl != -1 {
			boundary = body[:nl]
		}
		boundary = strings.TrimRight(boundary, "\r")
		if end := strings.LastIndex(body, boundary); end > start {
			return strings.TrimSpace(body[start:end])
		}
	}
	return strings.TrimSpace(body[start:])
}

func parseConfiguration(body string) (configReply, error) {
	var reply configReply
	err := xml.Unmarshal([]byte(extractConfiguration(body)), &reply)
	return reply, err
}

package rotation

import (
	"fmt"

	"c2block/sync-service/internal/record"
)

// Mode is the reconciliation path chosen from which records exist on disk.
type Mode int

const (
	// ModeBootstrap: no history. The today record is seeded from the raw scan.
	ModeBootstrap Mode = iota
	// ModeFirstRotation: a today record exists but no previous record yet.
	ModeFirstRotation
	// ModeSteadyRotation: both records exist.
	ModeSteadyRotation
	// ModeRecovery: the previous record survived but the today record is gone.
	// The window is restored from the previous record before rotating.
	ModeRecovery
)

func (m Mode) String() string {
	switch m {
	case ModeBootstrap:
		return "bootstrap"
	case ModeFirstRotation:
		return "first_rotation"
	case ModeSteadyRotation:
		return "steady_rotation"
	case ModeRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// existence is the part of the record store mode selection needs.
type existence interface {
	Exists(kind record.Kind) (bool, error)
}

// SelectMode inspects the previous and today records.
func SelectMode(s existence) (Mode, error) {
	prev, err := s.Exists(record.KindPrevious)
	if err != nil {
		return 0, fmt.Errorf("stat previous record: %w", err)
	}
	today, err := s.Exists(record.KindToday)
	if err != nil {
		return 0, fmt.Errorf("stat today record: %w", err)
	}

	switch {
	case !prev && !today:
		return ModeBootstrap, nil
	case !prev && today:
		return ModeFirstRotation, nil
	case prev && today:
		return ModeSteadyRotation, nil
	default:
		return ModeRecovery, nil
	}
}

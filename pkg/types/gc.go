package types

import "fmt"

// GcType is the urgency of a GC request.
type GcType int

const (
	FgGc GcType = iota // allocation is about to fail
	BgGc               // idle-time reclamation
	NrGcType
)

func (g GcType) Valid() bool {
	return g == FgGc || g == BgGc
}

func (g GcType) String() string {
	switch g {
	case FgGc:
		return "fg"
	case BgGc:
		return "bg"
	}
	return fmt.Sprintf("gc(%d)", int(g))
}

// ParseGcType accepts "fg"/"foreground" and "bg"/"background".
func ParseGcType(s string) (GcType, error) {
	switch s {
	case "fg", "foreground":
		return FgGc, nil
	case "bg", "background":
		return BgGc, nil
	}
	return 0, fmt.Errorf("unknown gc type %q", s)
}

// AllocMode is how the caller intends to reuse the reclaimed space.
type AllocMode int

const (
	LFS AllocMode = iota // append into clean sections
	SSR                  // recycle slack space inside used segments
)

func (a AllocMode) Valid() bool {
	return a == LFS || a == SSR
}

func (a AllocMode) String() string {
	switch a {
	case LFS:
		return "lfs"
	case SSR:
		return "ssr"
	}
	return fmt.Sprintf("alloc(%d)", int(a))
}

func ParseAllocMode(s string) (AllocMode, error) {
	switch s {
	case "lfs":
		return LFS, nil
	case "ssr":
		return SSR, nil
	}
	return 0, fmt.Errorf("unknown alloc mode %q", s)
}

// GcMode is the victim cost model.
type GcMode int

const (
	GcGreedy GcMode = iota
	GcCb
	NrGcMode
)

func (m GcMode) String() string {
	switch m {
	case GcGreedy:
		return "greedy"
	case GcCb:
		return "cost_benefit"
	}
	return fmt.Sprintf("gcmode(%d)", int(m))
}

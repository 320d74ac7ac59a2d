package train

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/openfluke/multibit/nn"
)

// Schedule is the ordered set of precision levels of a run.
//
// Train is the requested levels, sorted ascending and deduplicated. Eval is
// Train with the full-precision reference appended when missing, so the
// reference is always the last element of Eval.
type Schedule struct {
	Train []int
	Eval  []int
}

// BuildSchedule sorts and deduplicates requested and appends the reference.
func BuildSchedule(requested []int) (Schedule, error) {
	if len(requested) == 0 {
		return Schedule{}, configError("bit_width_list", "at least one bit-width is required")
	}
	for _, b := range requested {
		if b < 1 || b > nn.FullPrecision {
			return Schedule{}, configError("bit_width_list", "bit-width %d out of range [1, %d]", b, nn.FullPrecision)
		}
	}

	levels := slices.Clone(requested)
	slices.Sort(levels)
	levels = slices.Compact(levels)

	eval := slices.Clone(levels)
	if eval[len(eval)-1] != nn.FullPrecision {
		eval = append(eval, nn.FullPrecision)
	}
	return Schedule{Train: levels, Eval: eval}, nil
}

// ParseBitWidths parses a comma-separated list such as "2, 4,8".
func ParseBitWidths(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, configError("bit_width_list", "at least one bit-width is required")
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, configError("bit_width_list", "empty item in %q", s)
		}
		b, err := strconv.Atoi(p)
		if err != nil {
			return nil, configError("bit_width_list", "%q is not an integer", p)
		}
		out = append(out, b)
	}
	return out, nil
}

// ParseSchedule parses a comma-separated bit-width list and builds its schedule.
func ParseSchedule(s string) (Schedule, error) {
	levels, err := ParseBitWidths(s)
	if err != nil {
		return Schedule{}, err
	}
	return BuildSchedule(levels)
}

// Reference returns the full-precision reference level.
func (s Schedule) Reference() int {
	return s.Eval[len(s.Eval)-1]
}

// Distilled returns the levels supervised by soft targets, ascending.
func (s Schedule) Distilled() []int {
	return slices.Clone(s.Eval[:len(s.Eval)-1])
}

// Contains reports whether bits is evaluated by this schedule.
func (s Schedule) Contains(bits int) bool {
	return slices.Contains(s.Eval, bits)
}

func (s Schedule) String() string {
	parts := make([]string, len(s.Eval))
	for i, b := range s.Eval {
		parts[i] = strconv.Itoa(b)
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, ","))
}

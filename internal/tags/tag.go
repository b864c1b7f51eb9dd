// Package tags models structured version tags as an alternating sequence of
// literal fragments and numeric components, e.g. "2.3.1-pre" carries the
// numeric vector [2 3 1] with a trailing "-pre" literal. Parsing and
// stringification are exact inverses for every tag this system produces.
package tags

import (
	"errors"
	"strconv"
	"strings"
)

// ErrNoDigits is returned when a candidate tag contains no numeric component.
var ErrNoDigits = errors.New("tag contains no numeric components")

// PreReleaseSuffix is the literal toggled by Increment for pre-release tags.
const PreReleaseSuffix = "-pre"

// Tag is an immutable parsed version tag. literals always has one more
// element than numbers; the original text is the interleaving
// literals[0] numbers[0] literals[1] numbers[1] ... literals[n].
type Tag struct {
	literals []string
	numbers  []int
}

// Parse decomposes a version tag. It fails if the text holds no digits;
// callers selecting candidate tags must guard against that.
func Parse(text string) (Tag, error) {
	var (
		literals []string
		numbers  []int
		lit      strings.Builder
	)
	i := 0
	for i < len(text) {
		c := text[i]
		if c < '0' || c > '9' {
			lit.WriteByte(c)
			i++
			continue
		}
		j := i
		for j < len(text) && text[j] >= '0' && text[j] <= '9' {
			j++
		}
		n, err := strconv.Atoi(text[i:j])
		if err != nil {
			return Tag{}, err
		}
		literals = append(literals, lit.String())
		lit.Reset()
		numbers = append(numbers, n)
		i = j
	}
	if len(numbers) == 0 {
		return Tag{}, ErrNoDigits
	}
	literals = append(literals, lit.String())
	return Tag{literals: literals, numbers: numbers}, nil
}

// String reassembles the original tag text.
func (t Tag) String() string {
	var b strings.Builder
	for i, n := range t.numbers {
		b.WriteString(t.literals[i])
		b.WriteString(strconv.Itoa(n))
	}
	b.WriteString(t.literals[len(t.numbers)])
	return b.String()
}

// Numbers returns a copy of the numeric component vector.
func (t Tag) Numbers() []int {
	out := make([]int, len(t.numbers))
	copy(out, t.numbers)
	return out
}

// Compare orders tags by their numeric vectors, component-wise. When one
// vector is a prefix of the other, the shorter sorts lower. Literal
// fragments, including any pre-release suffix, do not participate.
func Compare(a, b Tag) int {
	for i := 0; i < len(a.numbers) && i < len(b.numbers); i++ {
		switch {
		case a.numbers[i] < b.numbers[i]:
			return -1
		case a.numbers[i] > b.numbers[i]:
			return 1
		}
	}
	switch {
	case len(a.numbers) < len(b.numbers):
		return -1
	case len(a.numbers) > len(b.numbers):
		return 1
	}
	return 0
}

// Increment returns the text of the tag with its final numeric component
// bumped by one. Earlier components are never reset. The pre-release suffix
// is present on the result iff prerelease is true.
func (t Tag) Increment(prerelease bool) string {
	numbers := t.Numbers()
	numbers[len(numbers)-1]++

	literals := make([]string, len(t.literals))
	copy(literals, t.literals)
	last := strings.TrimSuffix(literals[len(literals)-1], PreReleaseSuffix)
	if prerelease {
		last += PreReleaseSuffix
	}
	literals[len(literals)-1] = last

	return Tag{literals: literals, numbers: numbers}.String()
}

// Latest returns the greatest tag among candidates, skipping entries that do
// not parse. The boolean is false when no candidate parses.
func Latest(candidates []string) (Tag, bool) {
	var (
		best  Tag
		found bool
	)
	for _, c := range candidates {
		t, err := Parse(c)
		if err != nil {
			continue
		}
		if !found || Compare(t, best) > 0 {
			best = t
			found = true
		}
	}
	return best, found
}

package model

import (
	"fmt"
	"strings"
)

// LabelSet is the fixed, ordered label vocabulary. A label's class index is
// its position in the set.
type LabelSet struct {
	names []string
	index map[string]int32
}

// NewLabelSet builds a LabelSet from names. Names are matched
// case-insensitively after trimming; duplicates and blanks are rejected.
func NewLabelSet(names []string) (*LabelSet, error) {
	if len(names) < 2 {
		return nil, fmt.Errorf("label set: need at least 2 labels, got %d", len(names))
	}
	ls := &LabelSet{
		names: make([]string, 0, len(names)),
		index: make(map[string]int32, len(names)),
	}
	for _, n := range names {
		key := normalizeLabel(n)
		if key == "" {
			return nil, fmt.Errorf("label set: blank label")
		}
		if _, dup := ls.index[key]; dup {
			return nil, fmt.Errorf("label set: duplicate label %q", n)
		}
		ls.index[key] = int32(len(ls.names))
		ls.names = append(ls.names, strings.TrimSpace(n))
	}
	return ls, nil
}

// Index returns the class index for label.
func (l *LabelSet) Index(label string) (int32, bool) {
	i, ok := l.index[normalizeLabel(label)]
	return i, ok
}

// Name returns the label for a class index.
func (l *LabelSet) Name(i int32) string {
	if i < 0 || int(i) >= len(l.names) {
		return fmt.Sprintf("class_%d", i)
	}
	return l.names[i]
}

// Names returns a copy of the labels in class-index order.
func (l *LabelSet) Names() []string {
	return append([]string(nil), l.names...)
}

// Len returns the number of classes.
func (l *LabelSet) Len() int {
	return len(l.names)
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/platinummonkey/gridguard/pkg/rbac"
)

// int64List is a comma separated list of ids. Repeating the flag appends.
type int64List []int64

func (l *int64List) String() string {
	parts := make([]string, len(*l))
	for i, v := range *l {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, ",")
}

func (l *int64List) Set(s string) error {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", part)
		}
		*l = append(*l, v)
	}
	return nil
}

// stringList is a comma separated list of strings
type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, ",")
}

func (l *stringList) Set(s string) error {
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}

// attributes collects repeated key=value flags
type attributes map[string]string

func (a attributes) String() string {
	parts := make([]string, 0, len(a))
	for k, v := range a {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (a attributes) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	a[k] = v
	return nil
}

// rowValues collects repeated fieldID=value flags into row data. A value of
// "null" is stored as a null cell.
type rowValues rbac.RowData

func (r rowValues) String() string {
	parts := make([]string, 0, len(r))
	for k, v := range r {
		parts = append(parts, fmt.Sprintf("%d=%v", k, v))
	}
	return strings.Join(parts, ",")
}

func (r rowValues) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected field=value, got %q", s)
	}
	id, err := strconv.ParseInt(k, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid field id %q", k)
	}
	if v == "null" {
		r[id] = nil
	} else {
		r[id] = v
	}
	return nil
}

// Package stack implements the tables.list discipline that turns a
// directory of individual reftable files into one logical, appendable
// reference database (C11).
package stack

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Name holds the structured information encoded in a .ref file's name,
// grounded on the teacher's modules/git/reftable.Name/ParseName.
type Name struct {
	MinUpdateIndex uint64
	MaxUpdateIndex uint64
	Suffix         string
}

func (n Name) String() string {
	return fmt.Sprintf("0x%012x-0x%012x-%s.ref", n.MinUpdateIndex, n.MaxUpdateIndex, n.Suffix)
}

var nameRegex = regexp.MustCompile(`^0x([[:xdigit:]]{12,16})-0x([[:xdigit:]]{12,16})-([0-9a-zA-Z]{8})\.ref$`)

// ParseName parses the name of a reftable file, e.g.
// "0x000000000001-0x00000000000a-b54f3b59.ref".
func ParseName(tableName string) (Name, error) {
	matches := nameRegex.FindStringSubmatch(tableName)
	if len(matches) == 0 {
		return Name{}, fmt.Errorf("reftable name %q malformed", tableName)
	}
	minIndex, err := strconv.ParseUint(matches[1], 16, 64)
	if err != nil {
		return Name{}, fmt.Errorf("parsing min index: %w", err)
	}
	maxIndex, err := strconv.ParseUint(matches[2], 16, 64)
	if err != nil {
		return Name{}, fmt.Errorf("parsing max index: %w", err)
	}
	return Name{MinUpdateIndex: minIndex, MaxUpdateIndex: maxIndex, Suffix: matches[3]}, nil
}

// newSuffix derives an 8-character alphanumeric suffix from a random UUID,
// matching the width nameRegex requires.
func newSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// newName builds the Name for a freshly written table spanning
// [minUpdateIndex, maxUpdateIndex].
func newName(minUpdateIndex, maxUpdateIndex uint64) Name {
	return Name{MinUpdateIndex: minUpdateIndex, MaxUpdateIndex: maxUpdateIndex, Suffix: newSuffix()}
}

func listPath(dir string) string {
	return filepath.Join(dir, "tables.list")
}

// readTablesList returns the ordered table names recorded in dir's
// tables.list, oldest first. A missing file is reported as an empty list,
// not an error, since a brand-new stack directory has none yet.
func readTablesList(dir string) ([]Name, error) {
	data, err := os.ReadFile(listPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading tables.list: %w", err)
	}
	trimmed := strings.TrimRight(string(data), "\n")
	if trimmed == "" {
		return nil, nil
	}
	lines := strings.Split(trimmed, "\n")
	names := make([]Name, len(lines))
	for i, line := range lines {
		if names[i], err = ParseName(line); err != nil {
			return nil, fmt.Errorf("parse name: %w", err)
		}
	}
	return names, nil
}

// writeTablesList atomically replaces dir's tables.list with names, via a
// write-new-file-then-rename so a reader never observes a partially
// written list (§4.11: "never editing the list in place").
func writeTablesList(dir string, names []Name) error {
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n.String())
		b.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(dir, "tables.list.*.tmp")
	if err != nil {
		return fmt.Errorf("create tables.list temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write tables.list temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync tables.list temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close tables.list temp file: %w", err)
	}
	if err := os.Rename(tmpPath, listPath(dir)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename tables.list into place: %w", err)
	}
	return nil
}

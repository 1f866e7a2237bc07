package channels

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"hls-liberator/work/logger"
	"hls-liberator/work/types"
)

// exampleList is written when the channel file does not exist yet.
const exampleList = `# Format: display_name:identifier
# Example:
Fox Sports:foxsports
ESPN:espn
CNN:cnn
`

// Registry holds the ordered set of known channels. It is read-only after load and
// safe for concurrent use.
type Registry struct {
	ordered []types.Channel
	byID    map[string]types.Channel
}

// NewRegistry builds a registry from channels, keeping the first occurrence of a
// duplicated identifier.
func NewRegistry(list []types.Channel) *Registry {
	reg := &Registry{
		ordered: make([]types.Channel, 0, len(list)),
		byID:    make(map[string]types.Channel, len(list)),
	}
	for _, ch := range list {
		if ch.ID == "" {
			continue
		}
		if _, dup := reg.byID[ch.ID]; dup {
			logger.Warn("{channels - NewRegistry} Duplicate channel identifier ignored: %s", ch.ID)
			continue
		}
		if ch.Name == "" {
			ch.Name = ch.ID
		}
		reg.ordered = append(reg.ordered, ch)
		reg.byID[ch.ID] = ch
	}
	return reg
}

// LoadFile reads a channel list from path. A missing file is created with an example
// body and results in an empty registry.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		if werr := os.WriteFile(path, []byte(exampleList), 0644); werr != nil {
			logger.Warn("{channels - LoadFile} Could not create example channel file %s: %v", path, werr)
		} else {
			logger.Info("{channels - LoadFile} Example channel file created: %s", path)
		}
		return NewRegistry(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open channel file: %w", err)
	}
	defer f.Close()

	list, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read channel file %s: %w", path, err)
	}

	reg := NewRegistry(list)
	logger.Info("{channels - LoadFile} Loaded %d channels from %s", reg.Len(), path)
	return reg, nil
}

// Parse reads newline-delimited channel definitions. Blank lines and lines starting
// with '#' are skipped; every other line is `display_name:identifier` or a bare
// identifier.
func Parse(r io.Reader) ([]types.Channel, error) {
	var list []types.Channel
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var ch types.Channel
		if name, id, ok := strings.Cut(line, ":"); ok {
			ch = types.Channel{ID: strings.TrimSpace(id), Name: strings.TrimSpace(name)}
		} else {
			ch = types.Channel{ID: line, Name: line}
		}

		if ch.ID == "" {
			logger.Warn("{channels - Parse} Line %d has an empty identifier: %q", lineNum, line)
			continue
		}
		if ch.Name == "" {
			ch.Name = ch.ID
		}

		logger.Debug("{channels - Parse} Channel loaded: %s (%s)", ch.Name, ch.ID)
		list = append(list, ch)
	}

	return list, scanner.Err()
}

// Get returns the channel for id.
func (r *Registry) Get(id string) (types.Channel, bool) {
	ch, ok := r.byID[id]
	return ch, ok
}

// Contains reports whether id is a known channel.
func (r *Registry) Contains(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// All returns a copy of the channels in file order.
func (r *Registry) All() []types.Channel {
	out := make([]types.Channel, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// IDs returns the channel identifiers in file order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.ordered))
	for i, ch := range r.ordered {
		ids[i] = ch.ID
	}
	return ids
}

// Len returns the number of channels.
func (r *Registry) Len() int {
	return len(r.ordered)
}

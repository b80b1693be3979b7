// Package identity maps master marker ids to the display names used when publishing.
package identity

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"arbundletracker/utils"
)

// DefaultLookupTimeout bounds a single remote name lookup.
const DefaultLookupTimeout = 500 * time.Millisecond

// Resolver returns the display name of a master marker. It never fails.
type Resolver interface {
	Resolve(ctx context.Context, id int) string
}

// FallbackName is used when no name is known for id.
func FallbackName(id int) string {
	return fmt.Sprintf("marker_%d", id)
}

// Static is a fixed id to name table.
type Static struct {
	names map[int]string
}

// NewStatic checks that names holds exactly one entry per master id.
func NewStatic(names map[int]string, masterIDs []int) (*Static, error) {
	if len(names) != len(masterIDs) {
		return nil, fmt.Errorf("%w: identity map has %d entries for %d bundles", utils.ErrConfig, len(names), len(masterIDs))
	}
	for _, id := range masterIDs {
		if _, ok := names[id]; !ok {
			return nil, fmt.Errorf("%w: identity map has no name for master marker %d", utils.ErrConfig, id)
		}
	}
	copied := make(map[int]string, len(names))
	for id, name := range names {
		copied[id] = name
	}
	return &Static{names: copied}, nil
}

// LoadStatic reads a "<id>\t<name>" per line map file. Ids accept decimal, hex (0x)
// and octal (leading 0) notation. Blank lines are skipped.
func LoadStatic(path string, masterIDs []int) (*Static, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open identity map: %v", utils.ErrConfig, err)
	}
	defer f.Close()

	names := map[int]string{}
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: %s:%d: expected '<id>\\t<name>'", utils.ErrConfig, path, line)
		}
		id, err := strconv.ParseInt(fields[0], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s:%d: bad marker id %q", utils.ErrConfig, path, line, fields[0])
		}
		if _, dup := names[int(id)]; dup {
			return nil, fmt.Errorf("%w: %s:%d: marker %d listed twice", utils.ErrConfig, path, line, id)
		}
		names[int(id)] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to read identity map: %v", utils.ErrConfig, err)
	}
	return NewStatic(names, masterIDs)
}

func (s *Static) Resolve(ctx context.Context, id int) string {
	if name, ok := s.names[id]; ok {
		return name
	}
	return FallbackName(id)
}

// Dynamic asks a Viam resource for the name on every call with
// {"action": "get_ref", "param": "<id>"}. A reply with code 0 and a string value is
// a hit; anything else falls back to FallbackName.
type Dynamic struct {
	logger   logging.Logger
	resource resource.Resource
	timeout  time.Duration
}

func NewDynamic(res resource.Resource, timeout time.Duration, logger logging.Logger) *Dynamic {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &Dynamic{logger: logger, resource: res, timeout: timeout}
}

func (d *Dynamic) Resolve(ctx context.Context, id int) string {
	name, err := d.lookup(ctx, id)
	if err != nil {
		d.logger.Warnf("Using fallback name for marker %d: %v", id, err)
		return FallbackName(id)
	}
	return name
}

func (d *Dynamic) lookup(ctx context.Context, id int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.resource.DoCommand(ctx, map[string]interface{}{
		"action": "get_ref",
		"param":  strconv.Itoa(id),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", utils.ErrRemoteIdentityLookup, err)
	}
	code, err := utils.FloatField(resp, "code")
	if err != nil {
		return "", fmt.Errorf("%w: %v", utils.ErrRemoteIdentityLookup, err)
	}
	if code != 0 {
		return "", fmt.Errorf("%w: reply code %v", utils.ErrRemoteIdentityLookup, code)
	}
	value, ok := resp["value"].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: reply has no value", utils.ErrRemoteIdentityLookup)
	}
	return value, nil
}

// Package machine holds the coordinates used to address the board: chips, the
// cores on them, and the IP tags that route core traffic back to the host.
package machine

import (
	"fmt"
	"strconv"
	"strings"
)

// Chip identifies one chip by its (x, y) position.
type Chip struct {
	X uint8 `json:"x" yaml:"x"`
	Y uint8 `json:"y" yaml:"y"`
}

func (c Chip) String() string {
	return fmt.Sprintf("%d,%d", c.X, c.Y)
}

// Core identifies one processor. It is comparable and used as a map key.
type Core struct {
	X uint8 `json:"x" yaml:"x"`
	Y uint8 `json:"y" yaml:"y"`
	P uint8 `json:"p" yaml:"p"`
}

// Chip returns the chip the core lives on.
func (c Core) Chip() Chip {
	return Chip{X: c.X, Y: c.Y}
}

func (c Core) String() string {
	return fmt.Sprintf("%d,%d,%d", c.X, c.Y, c.P)
}

// ParseCore parses the "x,y,p" form produced by String.
func ParseCore(s string) (Core, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Core{}, fmt.Errorf("core %q: want x,y,p", s)
	}
	var vals [3]uint8
	for i, part := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 8)
		if err != nil {
			return Core{}, fmt.Errorf("core %q: %w", s, err)
		}
		vals[i] = uint8(n)
	}
	return Core{X: vals[0], Y: vals[1], P: vals[2]}, nil
}

// BufferTraffic is the traffic id of tags carrying buffer management traffic.
const BufferTraffic = "BufferTraffic"

// IPTag routes packets carrying Tag from the board to Host:Port.
type IPTag struct {
	Tag          uint8  `json:"tag" yaml:"tag"`
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	BoardAddress string `json:"board_address" yaml:"board_address"`
	// TrafficID distinguishes listeners that share one tag.
	TrafficID string `json:"traffic_id,omitempty" yaml:"traffic_id,omitempty"`
}

func (t IPTag) String() string {
	return fmt.Sprintf("tag %d -> %s:%d via %s", t.Tag, t.Host, t.Port, t.BoardAddress)
}

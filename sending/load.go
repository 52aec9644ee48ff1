package sending

import (
	"fmt"

	"github.com/c360/bufferlink/eieio"
	"github.com/c360/bufferlink/errors"
)

// MaxInitialMessage caps data messages written by the initial load, so the core
// reads them in the same sizes it will later receive over the network.
const MaxInitialMessage = 280

// LoadResult summarises one region image.
type LoadResult struct {
	Messages     int
	Events       int
	DataBytes    int
	StopWritten  bool
	PaddingBytes int
}

// InitialLoad builds the image written to a region before the run starts:
// data messages, a stop message if the events ran out with room to spare, then
// padding to the exact region size.
func InitialLoad(c *Cursor) ([]byte, LoadResult, error) {
	var res LoadResult
	if err := c.Validate(); err != nil {
		return nil, res, err
	}

	size := c.Size()
	image := make([]byte, 0, size)
	togo := size
	sent := c.IsEmpty()

	for c.HasNext() && togo > eieio.MinMessageSize {
		msg := c.NextMessage(min(togo, MaxInitialMessage))
		if msg == nil {
			break
		}
		image = msg.AppendTo(image)
		togo -= msg.Size()
		res.Messages++
		res.Events += msg.Count()
		res.DataBytes += msg.Size()
		sent = true
	}

	if !sent {
		return nil, res, errors.WrapFatal(errors.ErrRegionTooSmall, "sending", "InitialLoad",
			fmt.Sprintf("no event fits in %d bytes", size))
	}

	if !c.HasNext() && togo >= eieio.StopSize {
		image = eieio.StopStreaming{}.AppendTo(image)
		togo -= eieio.StopSize
		c.MarkStopSent()
		res.StopWritten = true
	}
	c.remaining = togo

	// Every record is an even size and so is the region, so 2-byte padding
	// always fills it exactly.
	for togo > 0 {
		image = eieio.Padding{}.AppendTo(image)
		togo -= eieio.PaddingSize
		res.PaddingBytes += eieio.PaddingSize
	}
	return image, res, nil
}

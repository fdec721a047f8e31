// Package device enumerates host audio devices through malgo and exposes
// them as the stable Device descriptor spec.md §3 defines. Raw enumeration
// plumbing is in scope; presentation/formatting for the UI is not (spec.md
// §1's "device enumeration formatting" non-goal), so this package returns
// plain data, nothing pre-rendered.
package device

import (
	"fmt"

	"github.com/gen2brain/malgo"
)

// Descriptor is the immutable-for-a-capture device identity spec.md §3
// calls the "Device descriptor": a stable identifier, a display name, and
// the channel counts available on that device.
type Descriptor struct {
	ID             string
	Name           string
	InputChannels  int
	OutputChannels int
}

// namedID is the id/name pair malgo's DeviceInfo reduces to, pulled out so
// the merge logic below can be exercised without a live audio backend.
type namedID struct {
	id   string
	name string
}

// List enumerates playback and capture devices visible to the host audio
// backend, grounded on the teacher's malgo.InitContext usage in
// audio.Capturer/audio.Player, generalized here to device enumeration
// rather than a fixed default device.
func List(ctx *malgo.AllocatedContext) ([]Descriptor, error) {
	captureInfos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}
	playbackInfos, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("enumerate playback devices: %w", err)
	}

	captures := make([]namedID, len(captureInfos))
	for i, info := range captureInfos {
		captures[i] = namedID{id: fmt.Sprintf("%v", info.ID), name: info.Name()}
	}
	playbacks := make([]namedID, len(playbackInfos))
	for i, info := range playbackInfos {
		playbacks[i] = namedID{id: fmt.Sprintf("%v", info.ID), name: info.Name()}
	}

	return merge(captures, playbacks), nil
}

// merge combines separately-enumerated capture and playback device lists
// into one Descriptor per physical device ID, marking the side(s) a device
// is seen under: InputChannels and OutputChannels are each set to 1 when
// the ID appears in that list and left at 0 otherwise. A device is assumed to
// offer one channel under whichever list(s) it appears in; malgo's
// DeviceInfo does not expose a channel count directly outside an opened
// device, so this is a presence flag rather than a true channel count.
func merge(captures, playbacks []namedID) []Descriptor {
	byID := make(map[string]*Descriptor)
	var order []string

	get := func(n namedID) *Descriptor {
		d, ok := byID[n.id]
		if !ok {
			d = &Descriptor{ID: n.id, Name: n.name}
			byID[n.id] = d
			order = append(order, n.id)
		}
		return d
	}

	for _, n := range captures {
		get(n).InputChannels = 1
	}
	for _, n := range playbacks {
		get(n).OutputChannels = 1
	}

	out := make([]Descriptor, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

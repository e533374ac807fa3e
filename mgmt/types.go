package mgmt

// ImageSlot is a single entry from an image-list, test, or confirm
// response.
type ImageSlot struct {
	Image     *uint32 `cbor:"image,omitempty"`
	Slot      uint32  `cbor:"slot"`
	Version   string  `cbor:"version,omitempty"`
	Hash      []byte  `cbor:"hash,omitempty"`
	Bootable  *bool   `cbor:"bootable,omitempty"`
	Pending   *bool   `cbor:"pending,omitempty"`
	Confirmed *bool   `cbor:"confirmed,omitempty"`
	Active    *bool   `cbor:"active,omitempty"`
	Permanent *bool   `cbor:"permanent,omitempty"`
}

// ImageIndex returns the image index the slot belongs to, defaulting to 0
// when the device omits it (as it does for single-image builds).
func (s ImageSlot) ImageIndex() uint32 {
	if s.Image == nil {
		return 0
	}
	return *s.Image
}

func (s ImageSlot) IsPending() bool {
	return s.Pending != nil && *s.Pending
}

func (s ImageSlot) IsConfirmed() bool {
	return s.Confirmed != nil && *s.Confirmed
}

func (s ImageSlot) IsPermanent() bool {
	return s.Permanent != nil && *s.Permanent
}

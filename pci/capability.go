package pci

// Capability IDs (PCI Code and ID Assignment Specification).
const (
	CapVendorSpecific = 0x09
	CapMSIX           = 0x11
)

// CapabilityHeader is the two-byte header common to every PCI
// capability-list entry.
type CapabilityHeader struct {
	ID   uint8
	Next uint8
}

// Capabilities walks the device's capability list starting at
// CapabilitiesOffset, calling yield for each entry until yield returns
// false or the list ends. This generalizes the teacher's
// soc/intel/pci.Capabilities iterator to the ConfigSpace abstraction.
func (d *Device) Capabilities(yield func(off uint16, hdr CapabilityHeader) bool) {
	off := uint16(d.Read8(CapabilitiesOffset))

	for off != 0 {
		hdr := CapabilityHeader{
			ID:   d.Read8(off),
			Next: d.Read8(off + 1),
		}

		if !yield(off, hdr) {
			return
		}

		off = uint16(hdr.Next)
	}
}

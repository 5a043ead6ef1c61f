package session

import "fmt"

// DeviceKey identifies a device by either its stable id or its network
// address. Callers hold whichever they have; the store resolves the key
// at its boundary.
type DeviceKey struct {
	id     string
	addr   uint16
	byAddr bool
}

func ByID(id string) DeviceKey {
	return DeviceKey{id: id}
}

func ByAddress(addr uint16) DeviceKey {
	return DeviceKey{addr: addr, byAddr: true}
}

func (k DeviceKey) String() string {
	if k.byAddr {
		return fmt.Sprintf("addr:%d", k.addr)
	}
	return "id:" + k.id
}

// Matches reports whether the key selects the given device.
func (k DeviceKey) Matches(d Device) bool {
	if k.byAddr {
		return d.Address == k.addr
	}
	return d.ID == k.id
}

// Package domain defines the registry records and error values shared by the
// addr store, admission guard, rendezvous coordinator, and transport adapter.
package domain

// NameStatusActive is the only status assigned today; the column is reserved.
const NameStatusActive = 0

// Supported remote ports a client may ask the broker to forward.
const (
	RemotePortHTTP  = 80
	RemotePortHTTPS = 443
)

// NameRecord is a client-chosen name permanently bound to the device
// fingerprint that registered it. Port is 0 until a forwarding listener has
// been bound for the name.
type NameRecord struct {
	Name        string
	Port        int
	Plan        int
	Status      int
	Fingerprint string
}

// FingerprintRecord tracks how many distinct names a device has registered.
// Owner is the first name the fingerprint registered; its plan caps Usage.
type FingerprintRecord struct {
	Fingerprint string
	Owner       string
	Usage       int
}

// PortRecord binds an allocated broker-side port to its current owning name.
type PortRecord struct {
	Port  int
	Owner string
}

// Quota is a device's registration allowance resolved through the name that
// established its fingerprint.
type Quota struct {
	Plan  int
	Usage int
}

// Exhausted reports whether no further names may be registered.
func (q Quota) Exhausted() bool {
	return q.Usage >= q.Plan
}

// IsSupportedRemotePort reports whether port may be requested for forwarding.
func IsSupportedRemotePort(port int) bool {
	return port == RemotePortHTTP || port == RemotePortHTTPS
}

// Admission is the outcome of binding a name to a device.
type Admission struct {
	// Registered is true when the name was created by this admission and
	// false when it already belonged to the device.
	Registered bool
	Quota      Quota
}

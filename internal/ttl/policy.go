// Package ttl computes and checks absolute record expiry timestamps.
//
// Expiry values are Unix seconds. A record without an expiry never expires.
// Stores with native expiry delete records lazily, so every read path must
// re-check freshness with IsExpired.
package ttl

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSeconds is the retention applied when nothing is configured.
const DefaultSeconds int64 = 7200

// Clock returns the current time. Tests inject fixed clocks.
type Clock func() time.Time

// Policy is a retention duration in seconds. Off disables expiry entirely,
// in which case no expiry field is attached to records.
type Policy struct {
	seconds int64
	set     bool
}

// Off is the sentinel policy that disables expiry.
var Off = Policy{set: true}

// Seconds returns a policy that expires records after n seconds.
// n <= 0 yields Off.
func Seconds(n int64) Policy {
	if n <= 0 {
		return Off
	}
	return Policy{seconds: n, set: true}
}

// Default returns the 7200s policy.
func Default() Policy {
	return Seconds(DefaultSeconds)
}

// Enabled reports whether records get an expiry.
func (p Policy) Enabled() bool {
	return p.seconds > 0
}

// IsZero reports whether the policy was never configured. Config uses it to
// apply defaults without clobbering an explicit Off.
func (p Policy) IsZero() bool {
	return !p.set
}

func (p Policy) Duration() time.Duration {
	return time.Duration(p.seconds) * time.Second
}

// Expiry returns now+ttl as Unix seconds. The bool is false when the policy
// is Off and no expiry should be stored.
func (p Policy) Expiry(now time.Time) (int64, bool) {
	if !p.Enabled() {
		return 0, false
	}
	return now.Unix() + p.seconds, true
}

// ExpiryPtr is Expiry shaped for optional record fields.
func (p Policy) ExpiryPtr(now time.Time) *int64 {
	exp, ok := p.Expiry(now)
	if !ok {
		return nil
	}
	return &exp
}

// IsExpired reports whether an optional expiry has elapsed at now.
// Absent means never expires.
func IsExpired(expiry *int64, now time.Time) bool {
	if expiry == nil {
		return false
	}
	return *expiry <= now.Unix()
}

func (p Policy) String() string {
	if !p.Enabled() {
		return "off"
	}
	return strconv.FormatInt(p.seconds, 10) + "s"
}

// UnmarshalYAML accepts `false`, `off`, a number of seconds, or a Go duration string.
func (p *Policy) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("ttl: expected scalar, got %v", value.Kind)
	}
	switch value.Value {
	case "false", "off", "no":
		*p = Off
		return nil
	case "true":
		*p = Default()
		return nil
	}
	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*p = Seconds(n)
		return nil
	}
	d, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("ttl: invalid value %q", value.Value)
	}
	*p = Seconds(int64(d / time.Second))
	return nil
}

func (p Policy) MarshalYAML() (interface{}, error) {
	if !p.Enabled() {
		return false, nil
	}
	return p.seconds, nil
}

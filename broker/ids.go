package broker

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	seq      atomic.Uint64
	idPrefix = func() string {
		h, _ := os.Hostname()
		if h == "" {
			h = "host"
		}
		return fmt.Sprintf("%s-%d-", h, os.Getpid())
	}()
)

func newCorrelationID() string {
	return uuid.NewString()
}

// ConsumerName returns a name unique to this process and call, suitable for
// broker-side consumer identities.
func ConsumerName() string {
	n := seq.Add(1)
	return idPrefix + strconv.FormatUint(n, 36)
}

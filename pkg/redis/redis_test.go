package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/sage/pkg/lock"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "sage:rebuild:checkpoint", checkpointKey("sage:"))
	assert.Equal(t, "sage:lock:", NewLocker(nil, "sage:").keyPrefix)
}

func TestLockerSatisfiesInterface(t *testing.T) {
	var _ lock.Locker = (*Locker)(nil)
	var _ lock.Lock = (*Lock)(nil)
}

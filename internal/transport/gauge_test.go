package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGauge_LowEventAfterCrossingHigh(t *testing.T) {
	g := NewGauge(Watermarks{High: 100, Low: 10})

	g.Add(50)
	g.Release(45)
	select {
	case <-g.Low():
		t.Fatal("low event without crossing high")
	default:
	}

	g.Add(200)
	assert.Equal(t, uint64(205), g.Pending())
	g.Release(100)
	select {
	case <-g.Low():
		t.Fatal("low event above low watermark")
	default:
	}
	g.Release(100)

	select {
	case <-g.Low():
	default:
		t.Fatal("expected low event")
	}
	assert.Equal(t, uint64(5), g.Pending())
}

func TestGauge_ReleaseClampsAtZero(t *testing.T) {
	g := NewGauge(DefaultWatermarks)
	g.Add(3)
	g.Release(10)
	require.Equal(t, uint64(0), g.Pending())
}

func TestGauge_LowChannelDoesNotBlock(t *testing.T) {
	g := NewGauge(Watermarks{High: 1, Low: 1})
	for i := 0; i < 5; i++ {
		g.Add(10)
		g.Release(10)
	}
	<-g.Low()
	select {
	case <-g.Low():
		t.Fatal("low events should coalesce")
	default:
	}
}

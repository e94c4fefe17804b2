package kafka

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
)

func TestConfig_Brokers(t *testing.T) {
	tests := []struct {
		name    string
		brokers string
		want    []string
	}{
		{name: "single", brokers: "localhost:9092", want: []string{"localhost:9092"}},
		{name: "trims blanks", brokers: " k1:9092, ,k2:9092 ", want: []string{"k1:9092", "k2:9092"}},
		{name: "empty", brokers: "", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Config{Brokers: tt.brokers}.brokers())
		})
	}
}

func TestCreateChannel_RequiresBrokers(t *testing.T) {
	_, _, err := CreateChannel(watermill.NopLogger{}, Config{Brokers: " , "})
	assert.ErrorIs(t, err, ErrNoBrokers)
}

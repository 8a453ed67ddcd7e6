package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRetracement(t *testing.T) {
	r, err := NewRetracement(2.0, 1.0)
	require.NoError(t, err)

	require.Len(t, r.Levels, 7)
	assert.InDelta(t, 2.0, r.Levels[0].Price, 0.001, "0%回撤位即高点")
	assert.InDelta(t, 1.764, r.Levels[1].Price, 0.001)
	assert.InDelta(t, 1.618, r.Levels[2].Price, 0.001)
	assert.InDelta(t, 1.5, r.Levels[3].Price, 0.001)
	assert.InDelta(t, 1.382, r.Levels[4].Price, 0.001)
	assert.InDelta(t, 1.214, r.Levels[5].Price, 0.001)
	assert.InDelta(t, 1.0, r.Levels[6].Price, 0.001, "100%回撤位即低点")

	require.Len(t, r.Extensions, 3)
	assert.InDelta(t, 2.272, r.Extensions[0].Price, 0.001)
	assert.InDelta(t, 2.618, r.Extensions[1].Price, 0.001)
	assert.InDelta(t, 3.618, r.Extensions[2].Price, 0.001)
}

func TestNewRetracement_InvalidRange(t *testing.T) {
	_, err := NewRetracement(1.0, 2.0)
	assert.Error(t, err)

	_, err = NewRetracement(1.0, 1.0)
	assert.Error(t, err)
}

func TestFromPriceHistory(t *testing.T) {
	r, err := FromPriceHistory([]float64{1.2, 1.8, 1.0, 2.0, 1.5})
	require.NoError(t, err)
	assert.Equal(t, 2.0, r.High)
	assert.Equal(t, 1.0, r.Low)

	_, err = FromPriceHistory([]float64{1.0})
	assert.Error(t, err, "样本不足应报错")
}

func TestRetracement_NearestLevel(t *testing.T) {
	r, err := NewRetracement(2.0, 1.0)
	require.NoError(t, err)

	assert.InDelta(t, 1.5, r.NearestLevel(1.52).Price, 0.001)
	assert.InDelta(t, 0.5, r.NearestLevel(1.52).Ratio, 0.001)
	assert.InDelta(t, 2.0, r.NearestLevel(5.0).Price, 0.001)
}

func TestRetracement_SupportAndResistance(t *testing.T) {
	r, err := NewRetracement(2.0, 1.0)
	require.NoError(t, err)

	supports := r.SupportLevels(1.55)
	require.NotEmpty(t, supports)
	assert.InDelta(t, 1.5, supports[0].Price, 0.001, "最近的支撑位排在首位")

	resistances := r.ResistanceLevels(1.55)
	require.NotEmpty(t, resistances)
	assert.InDelta(t, 1.618, resistances[0].Price, 0.001, "最近的阻力位排在首位")
}

func TestRetracement_EvaluateEntry(t *testing.T) {
	r, err := NewRetracement(2.0, 1.0)
	require.NoError(t, err)

	tests := []struct {
		name       string
		price      float64
		prevPrice  float64
		action     string
		confidence float64
	}{
		{"黄金分割位企稳回升", 1.382, 1.370, "BUY", 0.85},
		{"深度回撤支撑反弹", 1.214, 1.220, "BUY", 0.8},
		{"浅回撤位受阻回落", 1.764, 1.800, "SELL", 0.7},
		{"远离关键价位观望", 1.55, 1.54, "HOLD", 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := r.EvaluateEntry(tt.price, tt.prevPrice)
			assert.Equal(t, tt.action, entry.Action)
			assert.InDelta(t, tt.confidence, entry.Confidence, 0.001)
		})
	}
}

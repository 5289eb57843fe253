package blocks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/softpoint/logicd/internal/vals"
)

func TestIFFirstTrueBranchWins(t *testing.T) {
	cfg := IFConfig{
		Meta: testMeta(),
		Branches: []IFBranch{
			{Condition: IFCondition{Input: vals.GlobalRef("temp"), CompareType: CompareHigher, Value: 90}, OutputValue: 3},
			{Condition: IFCondition{Input: vals.GlobalRef("temp"), CompareType: CompareHigher, Value: 70}, OutputValue: 2},
			{Condition: IFCondition{Input: vals.GlobalRef("temp"), CompareType: CompareHigher, Value: 50}, OutputValue: 1},
		},
		DefaultValue: 0,
		Output:       vals.GlobalRef("stage"),
	}
	store := newTestStore(t, []string{"temp", "stage"}, nil)
	b := mustBlock(t, KindIF, cfg)
	now := time.Now()

	at := func(temp float64) float64 {
		now = now.Add(time.Second)
		require.NoError(t, store.Write(vals.GlobalRef("temp"), temp, now))
		tick(t, b, store, now)
		return readValue(t, store, "stage")
	}

	require.Equal(t, 0.0, at(40))
	require.Equal(t, 1.0, at(60))
	require.Equal(t, 2.0, at(80))
	// 95 satisfies every branch; the first one wins.
	require.Equal(t, 3.0, at(95))
}

func TestIFBetweenAndOutside(t *testing.T) {
	cfg := IFConfig{
		Meta: testMeta(),
		Branches: []IFBranch{
			{Condition: IFCondition{Input: vals.GlobalRef("x"), CompareType: CompareBetween, Value: 10, Value2: 20}, OutputValue: 1},
			{Condition: IFCondition{Input: vals.GlobalRef("x"), CompareType: CompareOutside, Value: 0, Value2: 100}, OutputValue: 2},
		},
		Output: vals.GlobalRef("y"),
	}
	store := newTestStore(t, []string{"x", "y"}, nil)
	b := mustBlock(t, KindIF, cfg)
	now := time.Now()

	at := func(x float64) float64 {
		now = now.Add(time.Second)
		require.NoError(t, store.Write(vals.GlobalRef("x"), x, now))
		tick(t, b, store, now)
		return readValue(t, store, "y")
	}

	require.Equal(t, 1.0, at(15))
	require.Equal(t, 2.0, at(150))
	require.Equal(t, 0.0, at(50))
}

func TestIFConfigValidation(t *testing.T) {
	cfg := IFConfig{Meta: testMeta(), Output: vals.GlobalRef("y")}
	require.Error(t, cfg.Validate()) // no branches

	cfg.Branches = []IFBranch{
		{Condition: IFCondition{Input: vals.GlobalRef("x"), CompareType: "sideways"}},
	}
	require.Error(t, cfg.Validate())
}

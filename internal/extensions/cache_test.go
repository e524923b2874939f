package extensions_test

import (
	"testing"

	"github.com/testhive/testhive/internal/extensions"

	"github.com/stretchr/testify/require"
)

func TestCache(t *testing.T) {
	t.Parallel()

	c := extensions.NewCache()
	require.True(t, c.Empty())

	c.Load("e1.dll", "e2.dll", "E1.DLL", "", "e3.dll", "e2.dll")
	require.False(t, c.Empty())
	require.Equal(t, []string{"e1.dll", "e2.dll", "e3.dll"}, c.Paths())

	// first-seen casing wins
	c.Load("E3.dll", "e4.dll")
	require.Equal(t, []string{"e1.dll", "e2.dll", "e3.dll", "e4.dll"}, c.Paths())

	// returned slice is a copy
	paths := c.Paths()
	paths[0] = "mutated"
	require.Equal(t, "e1.dll", c.Paths()[0])

	c.Reset()
	require.True(t, c.Empty())
	c.Load("e1.dll")
	require.Equal(t, []string{"e1.dll"}, c.Paths())
}

func TestDistinct(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		scenario string
		groups   [][]string
		expected []string
	}{
		{"nil", nil, nil},
		{"single", [][]string{{"a", "b"}}, []string{"a", "b"}},
		{"union keeps order", [][]string{{"b", "a"}, {"c", "a"}}, []string{"b", "a", "c"}},
		{"case insensitive", [][]string{{"Ext.dll"}, {"ext.DLL", "x"}}, []string{"Ext.dll", "x"}},
		{"skips empty", [][]string{{"", "a"}, {""}}, []string{"a"}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			require.Equal(t, tt.expected, extensions.Distinct(tt.groups...))
		})
	}
}

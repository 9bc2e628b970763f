package multiworld

import (
	"bytes"
	"compress/zlib"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deflate(t *testing.T, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const sampleMultidata = `{
	"names": [["Alice", "Bob"]],
	"roms": [[1, 2, "ROMA"], [3, 4, "ROMB"]],
	"locations": [
		[[10, 1], [85, 2]],
		[[20, 2], [102, 1]],
		[[30, 1], [85, 1]]
	]
}`

func TestDecodeMultidata(t *testing.T) {
	md, inflated, err := DecodeMultidata(deflate(t, sampleMultidata))
	require.NoError(t, err)
	assert.JSONEq(t, sampleMultidata, string(inflated))

	assert.Equal(t, []string{"Alice", "Bob"}, md.PlayerNames)
	assert.Equal(t, map[string]int{"ROMA": 1, "ROMB": 2}, md.RomNames)
	require.Len(t, md.Placements, 3)
	assert.Equal(t, PlacedItem{ItemID: 85, Recipient: 2},
		md.Placements[Placement{LocationID: 10, Finder: 1}])
	assert.Equal(t, PlacedItem{ItemID: 102, Recipient: 1},
		md.Placements[Placement{LocationID: 20, Finder: 2}])
}

func TestDecodeMultidataRejectsGarbage(t *testing.T) {
	_, _, err := DecodeMultidata([]byte("not zlib"))
	assert.Error(t, err)

	_, _, err = DecodeMultidata(deflate(t, "not json"))
	assert.Error(t, err)
}

func TestParseMultidataMissingSections(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"no names", `{"roms": [], "locations": []}`},
		{"no roms", `{"names": [["A"]], "locations": []}`},
		{"no locations", `{"names": [["A"]], "roms": [[1,2,"R"]]}`},
		{"short rom entry", `{"names": [["A"]], "roms": [[1]], "locations": []}`},
		{"malformed location", `{"names": [["A"]], "roms": [[1,2,"R"]], "locations": [[[10]]]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMultidata([]byte(tc.payload))
			assert.Error(t, err)
		})
	}
}

func TestPlayerName(t *testing.T) {
	md := &Multidata{PlayerNames: []string{"Alice", "Bob"}}
	assert.Equal(t, "Alice", md.PlayerName(1))
	assert.Equal(t, "Bob", md.PlayerName(2))
	assert.Equal(t, "Player 3", md.PlayerName(3))
	assert.Equal(t, "Player 0", md.PlayerName(0))
}

func TestPlayerLocations(t *testing.T) {
	md, _, err := DecodeMultidata(deflate(t, sampleMultidata))
	require.NoError(t, err)
	locs := md.PlayerLocations(1)
	assert.ElementsMatch(t, []int{10, 30}, locs)
	assert.Empty(t, md.PlayerLocations(9))
}

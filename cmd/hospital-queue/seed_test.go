package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/hospital-queue/internal/models"
)

func TestParseDirectory(t *testing.T) {
	dir, err := parseDirectory(strings.NewReader(`
rooms:
  - id: 1
    name: Poli Umum
    code: UMUM
    prefix: A
  - id: 2
    name: Poli Gigi
    code: GIGI
    prefix: B
    active: false
counters:
  - id: 1
    room_id: 1
    name: Meja 1
    type: doctor
  - id: 2
    room_id: 2
    name: Meja 2
`))
	require.NoError(t, err)
	require.Len(t, dir.Rooms, 2)
	assert.Equal(t, models.Room{RoomID: 1, Name: "Poli Umum", Code: "UMUM", Prefix: "A", Active: true}, dir.Rooms[0])
	assert.False(t, dir.Rooms[1].Active)
	require.Len(t, dir.Counters, 2)
	assert.Equal(t, int64(2), dir.Counters[1].RoomID)
	assert.True(t, dir.Counters[1].Active)
}

func TestParseDirectoryRejects(t *testing.T) {
	cases := map[string]string{
		"unknown room":   "rooms:\n  - {id: 1, prefix: A}\ncounters:\n  - {id: 1, room_id: 9}\n",
		"missing prefix": "rooms:\n  - {id: 1, name: X}\n",
		"zero id":        "rooms:\n  - {id: 0, prefix: A}\n",
		"unknown field":  "rooms:\n  - {id: 1, prefix: A, colour: red}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseDirectory(strings.NewReader(body))
			assert.Error(t, err)
		})
	}
}

func TestParseDirectoryEmpty(t *testing.T) {
	dir, err := parseDirectory(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, dir.Rooms)
}

package models

type Room struct {
	RoomID int64  `json:"room_id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Code   string `json:"code" yaml:"code"`
	Prefix string `json:"prefix" yaml:"prefix"`
	Active bool   `json:"active" yaml:"active"`
}

type Counter struct {
	CounterID int64  `json:"counter_id" yaml:"id"`
	RoomID    int64  `json:"room_id" yaml:"room_id"`
	Name      string `json:"name" yaml:"name"`
	Code      string `json:"code" yaml:"code"`
	Type      string `json:"type" yaml:"type"`
	Active    bool   `json:"active" yaml:"active"`
}

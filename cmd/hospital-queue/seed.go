package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"qms/hospital-queue/internal/models"
)

// directoryFile is the seed format for rooms and counters. Omitted active
// flags default to true.
type directoryFile struct {
	Rooms []struct {
		ID     int64  `yaml:"id"`
		Name   string `yaml:"name"`
		Code   string `yaml:"code"`
		Prefix string `yaml:"prefix"`
		Active *bool  `yaml:"active"`
	} `yaml:"rooms"`
	Counters []struct {
		ID     int64  `yaml:"id"`
		RoomID int64  `yaml:"room_id"`
		Name   string `yaml:"name"`
		Code   string `yaml:"code"`
		Type   string `yaml:"type"`
		Active *bool  `yaml:"active"`
	} `yaml:"counters"`
}

type directory struct {
	Rooms    []models.Room
	Counters []models.Counter
}

func parseDirectory(r io.Reader) (directory, error) {
	var file directoryFile
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return directory{}, fmt.Errorf("parse directory: %w", err)
	}

	var dir directory
	rooms := make(map[int64]bool, len(file.Rooms))
	for _, r := range file.Rooms {
		if r.ID <= 0 {
			return directory{}, fmt.Errorf("room %q: id must be positive", r.Name)
		}
		if strings.TrimSpace(r.Prefix) == "" {
			return directory{}, fmt.Errorf("room %d: prefix is required", r.ID)
		}
		rooms[r.ID] = true
		dir.Rooms = append(dir.Rooms, models.Room{
			RoomID: r.ID, Name: r.Name, Code: r.Code, Prefix: r.Prefix, Active: activeOrDefault(r.Active),
		})
	}
	for _, c := range file.Counters {
		if c.ID <= 0 {
			return directory{}, fmt.Errorf("counter %q: id must be positive", c.Name)
		}
		if !rooms[c.RoomID] {
			return directory{}, fmt.Errorf("counter %d: room %d is not in the file", c.ID, c.RoomID)
		}
		dir.Counters = append(dir.Counters, models.Counter{
			CounterID: c.ID, RoomID: c.RoomID, Name: c.Name, Code: c.Code, Type: c.Type, Active: activeOrDefault(c.Active),
		})
	}
	return dir, nil
}

func activeOrDefault(v *bool) bool {
	return v == nil || *v
}

func seedCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert rooms and counters from a YAML directory file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			dir, err := parseDirectory(f)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, room := range dir.Rooms {
				if err := a.directory.UpsertRoom(ctx, room); err != nil {
					return fmt.Errorf("room %d: %w", room.RoomID, err)
				}
			}
			for _, counter := range dir.Counters {
				if err := a.directory.UpsertCounter(ctx, counter); err != nil {
					return fmt.Errorf("counter %d: %w", counter.CounterID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d rooms and %d counters\n", len(dir.Rooms), len(dir.Counters))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "directory.yaml", "directory YAML file")
	return cmd
}

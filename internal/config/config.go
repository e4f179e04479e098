// Package config loads the whitespace key/value configuration file that
// drives an engine run, preserving each setting's typed default when the
// file omits or malforms it.
package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds one resolved run configuration. Field names and defaults
// mirror the recognized config-file keys one-to-one.
type Config struct {
	SoundFile          string
	BlockSize          int
	FilterSize         int
	FilterList         string
	EnableCrossfading  bool
	UseHeadphoneFilter bool
	LoudnessFactor     float64
	MaxChannels        int
	SamplingRate       int
	LoopSound          bool
	SoundEventList     string
}

// Default returns the built-in defaults a fresh Config starts from.
func Default() Config {
	return Config{
		SoundFile:          "",
		BlockSize:          256,
		FilterSize:         16384,
		FilterList:         "brirs/filter_list_kemar5.txt",
		EnableCrossfading:  false,
		UseHeadphoneFilter: false,
		LoudnessFactor:     1.0,
		MaxChannels:        8,
		SamplingRate:       44100,
		LoopSound:          true,
		SoundEventList:     "",
	}
}

// Partitions returns the number of blockSize partitions a filter of
// FilterSize samples occupies.
func (c Config) Partitions() int {
	n := c.FilterSize / c.BlockSize
	if c.FilterSize%c.BlockSize != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// ReadFile loads a config file at path on top of Default(), logging a
// warning for unknown keys and for values that don't parse as their
// field's type (the default is kept in that case).
func ReadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	return Read(f)
}

// Read parses r as a config file on top of Default().
func Read(r io.Reader) (Config, error) {
	cfg := Default()

	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			fields = strings.Fields(line)
		}
		if len(fields) != 2 {
			return Config{}, fmt.Errorf("config: line %d: expected \"key value\"", lineNo)
		}

		key := strings.TrimSpace(fields[0])
		value := strings.TrimSpace(fields[1])

		if err := cfg.apply(key, value); err != nil {
			slog.Warn("config: ignoring entry", "line", lineNo, "key", key, "error", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

func (c *Config) apply(key, value string) error {
	switch key {
	case "soundfile":
		c.SoundFile = value
	case "blockSize":
		return setInt(&c.BlockSize, value)
	case "filterSize":
		return setInt(&c.FilterSize, value)
	case "filterList":
		c.FilterList = value
	case "enableCrossfading":
		return setBool(&c.EnableCrossfading, value)
	case "useHeadphoneFilter":
		return setBool(&c.UseHeadphoneFilter, value)
	case "loudnessFactor":
		return setFloat(&c.LoudnessFactor, value)
	case "maxChannels":
		return setInt(&c.MaxChannels, value)
	case "samplingRate":
		return setInt(&c.SamplingRate, value)
	case "loopSound":
		return setBool(&c.LoopSound, value)
	case "soundEventList":
		c.SoundEventList = value
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	return nil
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("not an integer: %q", value)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", value)
	}
	*dst = f
	return nil
}

// setBool accepts only the literal "True"/"False" tokens the reference
// config format uses; anything else is rejected and the default retained.
func setBool(dst *bool, value string) error {
	switch value {
	case "True":
		*dst = true
	case "False":
		*dst = false
	default:
		return fmt.Errorf("not True/False: %q", value)
	}
	return nil
}

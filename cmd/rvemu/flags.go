package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/rvemu/internal/isa"
)

type xlenFlag struct {
	v   isa.XLEN
	set bool
}

func (f *xlenFlag) String() string {
	if f.v == 0 {
		return "auto"
	}
	return strconv.Itoa(int(f.v))
}

func (f *xlenFlag) Set(s string) error {
	switch strings.TrimPrefix(strings.ToLower(s), "rv") {
	case "32":
		f.v = isa.XLEN32
	case "64":
		f.v = isa.XLEN64
	default:
		return fmt.Errorf("xlen must be 32 or 64")
	}
	f.set = true
	return nil
}

type uint64Flag struct {
	v   uint64
	set bool
}

func (f *uint64Flag) String() string { return strconv.FormatUint(f.v, 10) }

func (f *uint64Flag) Set(s string) error {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

type boolFlag struct {
	v   bool
	set bool
}

func (f *boolFlag) String() string {
	if f.v {
		return "true"
	}
	return "false"
}

func (f *boolFlag) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

func (f *boolFlag) IsBoolFlag() bool { return true }

// addressList collects repeated or comma separated guest addresses.
type addressList []uint64

func (l *addressList) String() string {
	parts := make([]string, len(*l))
	for i, a := range *l {
		parts[i] = fmt.Sprintf("%#x", a)
	}
	return strings.Join(parts, ",")
}

func (l *addressList) Set(s string) error {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(strings.ReplaceAll(part, "_", ""), 0, 64)
		if err != nil {
			return fmt.Errorf("invalid address %q", part)
		}
		*l = append(*l, v)
	}
	return nil
}

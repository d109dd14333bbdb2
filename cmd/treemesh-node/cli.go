package main

import "flag"

// Options holds CLI options for the node.
type Options struct {
	ConfigPath string
	ChipID     uint
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("treemesh-node", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.UintVar(&opts.ChipID, "chip-id", 0, "Override the node chip id")
	_ = fs.Parse(args)
	return opts
}

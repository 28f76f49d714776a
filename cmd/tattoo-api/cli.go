package main

import "flag"

// Options holds CLI options.
type Options struct {
	ConfigPath  string
	PrintConfig bool
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("tattoo-api", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.BoolVar(&opts.PrintConfig, "print-config", false, "Print the effective config and exit")
	_ = fs.Parse(args)
	return opts
}

package main

import (
	"flag"
	"fmt"
	"os"

	"hermesgw/config"
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "usage: %s [-config file] [ws [address] | ipc [path]]\n\n", os.Args[0])
	fmt.Fprintf(out, "  ws [address]  serve websocket clients (default %s)\n", config.DefaultWSAddress)
	fmt.Fprintf(out, "  ipc [path]    serve unix socket clients (default %s)\n", config.DefaultIPCPath)
	fmt.Fprintln(out, "\nWithout a command the transport comes from listener.kind in the config.")
	fmt.Fprintln(out)
	flag.PrintDefaults()
}

// applyCommand lets the positional subcommand override the configured
// listener. An explicit command without a target uses that transport's
// built-in default rather than the config file's.
func applyCommand(l *config.ListenerConfig, args []string) error {
	if len(args) == 0 {
		return nil
	}
	if len(args) > 2 {
		return fmt.Errorf("too many arguments: %v", args)
	}

	switch args[0] {
	case config.ListenerWebSocket:
		l.Kind = config.ListenerWebSocket
		l.Address = config.DefaultWSAddress
		if len(args) == 2 {
			l.Address = args[1]
		}
	case config.ListenerIPC:
		l.Kind = config.ListenerIPC
		l.Path = config.DefaultIPCPath
		if len(args) == 2 {
			l.Path = args[1]
		}
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}

	if l.Target() == "" {
		return fmt.Errorf("%s: empty target", l.Kind)
	}
	return nil
}

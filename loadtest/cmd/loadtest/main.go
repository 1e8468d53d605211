// Package main is the entry point for the colmate load test binary.
// Subcommands:
//
//   - saturate: open N idle connections and hold them
//   - chat:     pairs join the queue, get matched, exchange messages and leave
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test: opens N idle connections")
	fmt.Println("  chat        Matching and chat test: pairs queue, match, exchange messages, leave")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
	fmt.Println("All clients share one IP: start the server with CONNECT_LIMIT=0.")
}

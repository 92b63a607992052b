package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	args := os.Args[1:]
	for _, arg := range args {
		switch arg {
		case "--help", "-h":
			printHelp()
			os.Exit(0)
		case "--version", "-v":
			fmt.Printf("vmoexplorer %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built: %s\n", date)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown argument: %s\n", arg)
			printUsage()
			os.Exit(1)
		}
	}

	// The explorer watches a live in-process workload; start it before
	// the first frame renders.
	w := newWorkload()
	w.start()

	p := tea.NewProgram(
		newModel(w),
		tea.WithAltScreen(),
	)
	finalModel, err := p.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		w.stop()
		os.Exit(1)
	}
	if m, ok := finalModel.(model); ok {
		m.workload.stop()
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: vmoexplorer\n")
	fmt.Fprintf(os.Stderr, "Try 'vmoexplorer --help' for more information.\n")
}

func printHelp() {
	fmt.Println("vmoexplorer - Interactive TUI for live virtual-memory objects")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  vmoexplorer")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Runs a randomized object workload in-process and shows the live")
	fmt.Println("  object table: sizes, committed and pinned memory, kinds, and")
	fmt.Println("  parentage, refreshed twice a second.")
	fmt.Println()
	fmt.Println("  Navigation:")
	fmt.Println("    ↑/k, ↓/j    Navigate up/down")
	fmt.Println("    space       Pause/resume the workload")
	fmt.Println("    q           Quit")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -h, --help     Show this help message")
	fmt.Println("  -v, --version  Show version information")
}

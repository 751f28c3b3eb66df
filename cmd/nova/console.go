package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	nova "github.com/everlang/gonova"
)

var stdin = bufio.NewReader(os.Stdin)

// readLine prints a prompt and reads one trimmed line from stdin.
func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := stdin.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// consoleAsk surfaces a task question on the terminal and blocks for
// the operator's answer.
func consoleAsk(ctx context.Context, taskID, question string) (string, error) {
	color.Yellow("\n[%s] %s", taskID, question)

	answered := make(chan struct{})
	var answer string
	var err error
	go func() {
		answer, err = readLine(color.New(color.FgYellow).Sprint("answer> "))
		close(answered)
	}()

	select {
	case <-answered:
		return answer, err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// consoleConfirm gates flagged tools behind a y/N prompt.
func consoleConfirm(ctx context.Context, tool string, args map[string]any) (bool, error) {
	color.Magenta("\nallow %s with %v?", tool, args)
	line, err := readLine(color.New(color.FgMagenta).Sprint("[y/N]> "))
	if err != nil {
		return false, err
	}
	line = strings.ToLower(line)
	return line == "y" || line == "yes", nil
}

// printEvents renders the live step trace.
func printEvents(events <-chan nova.Event) {
	for ev := range events {
		indent := strings.Repeat("  ", ev.Depth)
		switch ev.Type {
		case nova.EventTaskStarted:
			if ev.Depth > 0 {
				color.Cyan("%s+ sub-task %s: %s", indent, ev.TaskID, ev.Message)
			}
		case nova.EventStep:
			printStep(indent, ev.Step)
		case nova.EventSpawn:
			color.Cyan("%sspawning %s", indent, ev.Message)
		case nova.EventTaskCompleted:
			if ev.Depth > 0 {
				color.Cyan("%s- sub-task %s: %s", indent, ev.TaskID, ev.Status)
			}
		}
	}
}

func printStep(indent string, step *nova.Step) {
	if step == nil {
		return
	}
	switch step.Kind {
	case nova.StepThought:
		color.White("%s* %s", indent, step.Text)
	case nova.StepAction:
		color.Blue("%s> %s %v", indent, step.Tool, step.Args)
	case nova.StepObservation:
		text := step.Text
		if len(text) > 200 {
			text = text[:200] + "..."
		}
		fmt.Printf("%s  %s\n", indent, color.HiBlackString(text))
	case nova.StepStuck:
		color.Red("%s! %s", indent, step.Text)
	}
}

// printResult summarizes a finished task.
func printResult(result *nova.TaskResult) {
	if result == nil {
		return
	}

	fmt.Println()
	switch result.Status {
	case nova.StatusDone:
		color.Green("done in %d steps (%.1fs, $%.4f)", len(result.Steps),
			result.Duration().Seconds(), result.Metrics.CostUSD)
	default:
		color.Red("%s after %d steps (%.1fs)", result.Status, len(result.Steps),
			result.Duration().Seconds())
	}
	if result.Output != "" {
		fmt.Println(result.Output)
	}
}

package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface is the command surface the REPL dispatches to. App satisfies it;
// tests provide a lightweight stub.
type execIface interface {
	isLoggedIn() bool
	Register(ctx context.Context) error
	Login(ctx context.Context) error
	Logout(ctx context.Context) error

	List(ctx context.Context, args []string) error
	Show(ctx context.Context, args []string) error
	Add(ctx context.Context, args []string) error
	Edit(ctx context.Context, args []string) error
	Delete(ctx context.Context, args []string) error
	Attach(ctx context.Context, args []string) error
	Fetch(ctx context.Context, args []string) error

	Sync(ctx context.Context) error
	Status(ctx context.Context) error
	Pending(ctx context.Context) error
	Retry(ctx context.Context) error
	Conflicts(ctx context.Context) error
	Resolve(ctx context.Context, args []string) error
	Stash(ctx context.Context, args []string) error
}

const (
	helpLoggedOut = "Available commands: register, login, exit"
	helpLoggedIn  = "Available commands: (l)ist, show, add, edit, delete, attach, fetch, sync, status, pending, retry, conflicts, resolve, stash, logout, exit"
)

// runREPL reads commands from reader until EOF or "exit"/"quit" and
// dispatches them to a. Errors returned by handlers are printed and the
// loop goes on. Commands other than register and login require a session.
func runREPL(ctx context.Context, a execIface, statusFn func() string, reader *bufio.Reader) {
	for {
		printlnFn(fmt.Sprintf("vault %s> ", statusFn()))
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		if cmd == "exit" || cmd == "quit" {
			printlnFn("Bye!")
			return
		}

		if err := dispatch(ctx, a, cmd, args); err != nil {
			printlnFn("Error:", err)
		}
	}
}

func dispatch(ctx context.Context, a execIface, cmd string, args []string) error {
	switch cmd {
	case "help":
		if a.isLoggedIn() {
			printlnFn(helpLoggedIn)
		} else {
			printlnFn(helpLoggedOut)
		}
		return nil
	case "register":
		return a.Register(ctx)
	case "login":
		return a.Login(ctx)
	}

	handlers := map[string]func() error{
		"logout":    func() error { return a.Logout(ctx) },
		"l":         func() error { return a.List(ctx, args) },
		"list":      func() error { return a.List(ctx, args) },
		"show":      func() error { return a.Show(ctx, args) },
		"add":       func() error { return a.Add(ctx, args) },
		"edit":      func() error { return a.Edit(ctx, args) },
		"delete":    func() error { return a.Delete(ctx, args) },
		"attach":    func() error { return a.Attach(ctx, args) },
		"fetch":     func() error { return a.Fetch(ctx, args) },
		"sync":      func() error { return a.Sync(ctx) },
		"status":    func() error { return a.Status(ctx) },
		"pending":   func() error { return a.Pending(ctx) },
		"retry":     func() error { return a.Retry(ctx) },
		"conflicts": func() error { return a.Conflicts(ctx) },
		"resolve":   func() error { return a.Resolve(ctx, args) },
		"stash":     func() error { return a.Stash(ctx, args) },
	}
	h, ok := handlers[cmd]
	if !ok {
		printlnFn("Unknown command:", cmd)
		return nil
	}
	if !a.isLoggedIn() {
		printlnFn("Please log in first")
		return nil
	}
	return h()
}

package main

import (
	"errors"
	"fmt"

	tty "github.com/mattn/go-tty"

	"github.com/Code-Allergy/kernel-project-sub000/internal/mm"
)

const monitorHelp = `keys:
  a  spawn a process with one page      g  grow the current process by a page
  f  fork the current process           n  switch to the next process
  t  touch every page of the current    k  switch to the kernel table
  d  destroy the current process        h  kmalloc 256 bytes
  s  stats                              m  save the current L1 map (vm-l1.png)
  p  save the frame map (vm-frames.png) q  quit
`

var errNoProcess = errors.New("no current process")

// command applies one monitor key and reports whether to keep going.
func (mc *machine) command(key rune) (bool, error) {
	cur := mc.m.Current()
	switch key {
	case 'a':
		s, err := mc.spawn(1)
		if err != nil {
			return true, err
		}
		mc.printf("spawned #%d asid %d\n", mc.index(s), s.ASID())
	case 'g':
		if cur == nil {
			return true, errNoProcess
		}
		va, err := mc.grow(cur)
		if err != nil {
			return true, err
		}
		mc.printf("mapped %s\n", va)
	case 'f':
		if cur == nil {
			return true, errNoProcess
		}
		child, err := mc.m.Fork(cur)
		if err != nil {
			return true, err
		}
		mc.spaces = append(mc.spaces, child)
		mc.next[child] = mc.next[cur]
		mc.printf("forked #%d -> #%d (asid %d)\n", mc.index(cur), mc.index(child), child.ASID())
	case 'n':
		if len(mc.spaces) == 0 {
			return true, errNoProcess
		}
		s := mc.spaces[(mc.index(cur)+1)%len(mc.spaces)]
		if err := mc.m.Activate(s); err != nil {
			return true, err
		}
		mc.printf("running #%d asid %d generation %d\n", mc.index(s), s.ASID(), s.Generation())
	case 't':
		if cur == nil {
			return true, errNoProcess
		}
		if err := mc.touch(cur); err != nil {
			return true, err
		}
		mc.printf("touched %d pages\n", (mc.next[cur]-userBase)/mm.PageSize)
	case 'k':
		mc.m.ActivateKernel()
		mc.printf("kernel table installed\n")
	case 'd':
		if cur == nil {
			return true, errNoProcess
		}
		i := mc.index(cur)
		if err := mc.destroy(cur); err != nil {
			return true, err
		}
		mc.printf("destroyed #%d\n", i)
	case 'h':
		va, err := mc.heap.Alloc(256)
		if err != nil {
			return true, err
		}
		mc.allocs = append(mc.allocs, va)
		mc.printf("kmalloc(256) = %s\n", va)
	case 's':
		mc.stats()
	case 'm':
		if err := mc.dumpL1("vm-l1.png", false); err != nil {
			return true, err
		}
		mc.printf("wrote vm-l1.png\n")
	case 'p':
		if err := mc.dumpFrames("vm-frames.png", false); err != nil {
			return true, err
		}
		mc.printf("wrote vm-frames.png\n")
	case 'q', 3: // ctrl-c
		return false, nil
	case '?':
		mc.printf("%s", monitorHelp)
	}
	return true, nil
}

// safeCommand runs command, turning a subsystem halt into an error.
func (mc *machine) safeCommand(key rune) (more bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			fe, ok := r.(*mm.FatalError)
			if !ok {
				panic(r)
			}
			more, err = false, fe
		}
	}()
	return mc.command(key)
}

// monitor reads single keystrokes from the terminal until q.
func monitor(mc *machine) error {
	t, err := tty.Open()
	if err != nil {
		return fmt.Errorf("vmsim: %w", err)
	}
	defer t.Close()
	mc.out = t.Output()
	mc.printf("%s", monitorHelp)
	for {
		r, err := t.ReadRune()
		if err != nil {
			return err
		}
		more, err := mc.safeCommand(r)
		if err != nil {
			mc.printf("error: %v\n", err)
		}
		if !more {
			return nil
		}
	}
}

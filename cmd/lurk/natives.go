package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/chazu/lurk/vm"
	lua "github.com/yuin/gopher-lua"
)

// sampleNatives are the functions the shell registers in the globals.
// Arguments start at position 2; position 1 holds the owning table.
type sampleNatives struct {
	out io.Writer
}

func (n *sampleNatives) register(h *vm.Host) error {
	natives := []struct {
		name string
		mask string
		fn   vm.Function
	}{
		{"doit", ". i|f|b i|f|b i|f|b", n.doit},
		{"dodo", ".", n.dodo},
		{"make_position", ".nn", n.makePosition},
		{"myprint", "", n.myprint},
		{"myprintln", "", n.myprintln},
		{"pprint", "", n.pprint},
	}
	for _, nat := range natives {
		if err := h.Register(nat.name, nat.mask, nat.fn); err != nil {
			return fmt.Errorf("registering %s: %w", nat.name, err)
		}
	}
	return nil
}

func (n *sampleNatives) doit(h *vm.Host, L *lua.LState) (int, error) {
	fmt.Fprintln(n.out, "custom function: enter")
	args := make([]string, 0, 3)
	for i := 2; i <= 4; i++ {
		args = append(args, vm.ToString(L.Get(i)))
	}
	fmt.Fprintf(n.out, "arguments: %s\n", strings.Join(args, " "))
	fmt.Fprintln(n.out, "custom function: end")
	return 0, nil
}

func (n *sampleNatives) dodo(h *vm.Host, L *lua.LState) (int, error) {
	fmt.Fprintln(n.out, "dodo!")
	return 0, nil
}

func (n *sampleNatives) makePosition(h *vm.Host, L *lua.LState) (int, error) {
	var x, y float64
	if err := vm.UnpackArgs(L, 2, &x, &y); err != nil {
		return 0, err
	}
	fmt.Fprintf(n.out, "make_position: %g, %g\n", x, y)
	return 0, nil
}

func (n *sampleNatives) myprint(h *vm.Host, L *lua.LState) (int, error) {
	for i := 2; i <= L.GetTop(); i++ {
		io.WriteString(n.out, vm.ToString(L.Get(i)))
	}
	return 0, nil
}

func (n *sampleNatives) myprintln(h *vm.Host, L *lua.LState) (int, error) {
	n.myprint(h, L)
	fmt.Fprintln(n.out)
	return 0, nil
}

func (n *sampleNatives) pprint(h *vm.Host, L *lua.LState) (int, error) {
	for i := 2; i <= L.GetTop(); i++ {
		io.WriteString(n.out, vm.Repr(L.Get(i)))
	}
	fmt.Fprintln(n.out)
	return 0, nil
}

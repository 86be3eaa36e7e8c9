// Package bytecode loads kernel modules in a JSON text form and runs them on
// a small register interpreter. Kernels call host functions, such as the vmvx
// exports, through imports resolved by qualified name and calling convention.
package bytecode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/examples/AI/vmvx/pkg/vm"
)

// ModuleDef is the serialized form of a module.
type ModuleDef struct {
	Name      string        `json:"name"`
	Imports   []ImportDef   `json:"imports,omitempty"`
	Functions []FunctionDef `json:"functions"`
}

// ImportDef names a function provided by another module, as "module.function",
// and the calling convention the importer expects it to have.
type ImportDef struct {
	Name  string `json:"name"`
	CConv string `json:"cconv"`
}

type FunctionDef struct {
	Name      string       `json:"name"`
	CConv     string       `json:"cconv"`
	Registers RegisterDefs `json:"registers"`
	Body      []OpDef      `json:"body"`
}

// RegisterDefs is the number of registers in each typed bank.
type RegisterDefs struct {
	I int `json:"i,omitempty"`
	F int `json:"f,omitempty"`
	R int `json:"r,omitempty"`
}

// OpDef is one instruction. Registers are written as bank and index: "i0",
// "f2", "r1".
type OpDef struct {
	Op      string   `json:"op"`
	Dst     string   `json:"dst,omitempty"`
	LHS     string   `json:"lhs,omitempty"`
	RHS     string   `json:"rhs,omitempty"`
	I32     int32    `json:"i32,omitempty"`
	F32     float32  `json:"f32,omitempty"`
	Callee  string   `json:"callee,omitempty"`
	Args    []string `json:"args,omitempty"`
	Results []string `json:"results,omitempty"`
}

type opcode uint8

const (
	opConstI32 opcode = iota
	opConstF32
	opAddI32
	opMulI32
	opAddF32
	opMulF32
	opCall
	opRet
)

var opcodes = map[string]opcode{
	"const.i32": opConstI32,
	"const.f32": opConstF32,
	"add.i32":   opAddI32,
	"mul.i32":   opMulI32,
	"add.f32":   opAddF32,
	"mul.f32":   opMulF32,
	"call":      opCall,
	"ret":       opRet,
}

type register struct {
	bank  byte
	index int
}

type instruction struct {
	op       opcode
	dst      register
	lhs, rhs register
	imm      uint32
	callee   int
	args     []register
	results  []register
}

type function struct {
	name        string
	cconv       string
	argKinds    string
	resultKinds string
	registers   RegisterDefs
	body        []instruction
}

// Load parses and validates a module in JSON text form.
func Load(data []byte) (*Module, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	var def ModuleDef
	if err := decoder.Decode(&def); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "parsing bytecode module: %v", err)
	}
	return Compile(&def)
}

// LoadFile reads and loads the module at path.
func LoadFile(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bytecode module %q: %w", path, err)
	}
	m, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("loading bytecode module %q: %w", path, err)
	}
	return m, nil
}

// Compile validates def and builds the executable module.
func Compile(def *ModuleDef) (*Module, error) {
	if def.Name == "" || strings.Contains(def.Name, ".") {
		return nil, status.Errorf(codes.InvalidArgument, "invalid module name %q", def.Name)
	}

	m := &Module{
		name:      def.Name,
		byName:    make(map[string]int),
		importsBy: make(map[string]int),
	}

	for i, imp := range def.Imports {
		module, fn, ok := strings.Cut(imp.Name, ".")
		if !ok || module == "" || fn == "" {
			return nil, status.Errorf(codes.InvalidArgument, "import %d: name %q is not module.function", i, imp.Name)
		}
		args, results, err := vm.ParseCConv(imp.CConv)
		if err != nil {
			return nil, fmt.Errorf("import %s: %w", imp.Name, err)
		}
		if _, dup := m.importsBy[imp.Name]; dup {
			return nil, status.Errorf(codes.InvalidArgument, "duplicate import %s", imp.Name)
		}
		m.importsBy[imp.Name] = len(m.imports)
		m.imports = append(m.imports, importSlot{name: imp.Name, cconv: imp.CConv, argKinds: args, resultKinds: results})
	}

	for _, fd := range def.Functions {
		if fd.Name == "" {
			return nil, status.Errorf(codes.InvalidArgument, "function with empty name")
		}
		if _, dup := m.byName[fd.Name]; dup {
			return nil, status.Errorf(codes.InvalidArgument, "duplicate function %s", fd.Name)
		}
		fn, err := m.compileFunction(&fd)
		if err != nil {
			return nil, fmt.Errorf("function %s: %w", fd.Name, err)
		}
		m.byName[fd.Name] = len(m.functions)
		m.functions = append(m.functions, fn)
	}
	return m, nil
}

func (m *Module) compileFunction(fd *FunctionDef) (*function, error) {
	args, results, err := vm.ParseCConv(fd.CConv)
	if err != nil {
		return nil, err
	}
	regs := fd.Registers
	if regs.I < 0 || regs.F < 0 || regs.R < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "negative register count")
	}
	for _, bank := range []byte{'i', 'f', 'r'} {
		if n := strings.Count(args, string(bank)); n > bankSize(regs, bank) {
			return nil, status.Errorf(codes.InvalidArgument, "%d %c arguments need more than %d registers", n, bank, bankSize(regs, bank))
		}
	}

	fn := &function{
		name:        fd.Name,
		cconv:       fd.CConv,
		argKinds:    args,
		resultKinds: results,
		registers:   regs,
	}
	if len(fd.Body) == 0 || fd.Body[len(fd.Body)-1].Op != "ret" {
		return nil, status.Errorf(codes.InvalidArgument, "body must end with ret")
	}
	for pc, od := range fd.Body {
		inst, err := m.compileOp(fn, &od)
		if err != nil {
			return nil, fmt.Errorf("op %d (%s): %w", pc, od.Op, err)
		}
		fn.body = append(fn.body, inst)
	}
	return fn, nil
}

func (m *Module) compileOp(fn *function, od *OpDef) (instruction, error) {
	op, found := opcodes[od.Op]
	if !found {
		return instruction{}, status.Errorf(codes.InvalidArgument, "unknown op %q", od.Op)
	}
	inst := instruction{op: op}

	var err error
	switch op {
	case opConstI32:
		inst.dst, err = parseRegister(fn.registers, od.Dst, 'i')
		inst.imm = uint32(od.I32)
	case opConstF32:
		inst.dst, err = parseRegister(fn.registers, od.Dst, 'f')
		inst.imm = math.Float32bits(od.F32)
	case opAddI32, opMulI32, opAddF32, opMulF32:
		bank := byte('i')
		if op == opAddF32 || op == opMulF32 {
			bank = 'f'
		}
		if inst.dst, err = parseRegister(fn.registers, od.Dst, bank); err != nil {
			return inst, err
		}
		if inst.lhs, err = parseRegister(fn.registers, od.LHS, bank); err != nil {
			return inst, err
		}
		inst.rhs, err = parseRegister(fn.registers, od.RHS, bank)
	case opCall:
		ordinal, found := m.importsBy[od.Callee]
		if !found {
			return inst, status.Errorf(codes.InvalidArgument, "callee %q is not imported", od.Callee)
		}
		inst.callee = ordinal
		imp := m.imports[ordinal]
		if inst.args, err = parseRegisters(fn.registers, od.Args, imp.argKinds); err != nil {
			return inst, fmt.Errorf("arguments of %s: %w", imp.name, err)
		}
		if inst.results, err = parseRegisters(fn.registers, od.Results, imp.resultKinds); err != nil {
			return inst, fmt.Errorf("results of %s: %w", imp.name, err)
		}
	case opRet:
		inst.results, err = parseRegisters(fn.registers, od.Results, fn.resultKinds)
	}
	return inst, err
}

func bankSize(regs RegisterDefs, bank byte) int {
	switch bank {
	case 'i':
		return regs.I
	case 'f':
		return regs.F
	case 'r':
		return regs.R
	}
	return 0
}

func parseRegister(regs RegisterDefs, s string, bank byte) (register, error) {
	if len(s) < 2 || s[0] != bank {
		return register{}, status.Errorf(codes.InvalidArgument, "expected %c register, got %q", bank, s)
	}
	index, err := strconv.Atoi(s[1:])
	if err != nil || index < 0 {
		return register{}, status.Errorf(codes.InvalidArgument, "invalid register %q", s)
	}
	if index >= bankSize(regs, bank) {
		return register{}, status.Errorf(codes.InvalidArgument, "register %q out of range (%d %c registers)", s, bankSize(regs, bank), bank)
	}
	return register{bank: bank, index: index}, nil
}

// parseRegisters parses names whose banks must match kinds, a cconv fragment.
func parseRegisters(regs RegisterDefs, names []string, kinds string) ([]register, error) {
	if len(names) != len(kinds) {
		return nil, status.Errorf(codes.InvalidArgument, "expected %d registers (%s), got %d", len(kinds), kinds, len(names))
	}
	out := make([]register, len(names))
	for i, name := range names {
		r, err := parseRegister(regs, name, kinds[i])
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

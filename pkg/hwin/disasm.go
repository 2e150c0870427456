package hwin

import (
	"encoding/hex"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// X86Disassembler is the default Disassembler, backed by x86asm. It needs no
// OS handle and therefore carries no build tag, unlike the rest of this
// package's collaborators.
type X86Disassembler struct{}

var _ Disassembler = X86Disassembler{}

// Decode implements Disassembler.
func (X86Disassembler) Decode(code []byte, pc uint64, is64 bool, max int) []DecodedInstruction {
	mode := 32
	if is64 {
		mode = 64
	}

	var out []DecodedInstruction
	off := 0
	for len(out) < max && off < len(code) {
		inst, err := x86asm.Decode(code[off:], mode)
		if err != nil || inst.Len == 0 {
			break
		}

		out = append(out, DecodedInstruction{
			Is64BitAddressing: is64,
			Offset:            pc + uint64(off),
			Size:              inst.Len,
			HexBytes:          hex.EncodeToString(code[off : off+inst.Len]),
			Mnemonic:          strings.ToLower(inst.Op.String()),
			Operands:          operandString(inst),
		})

		off += inst.Len
	}
	return out
}

// operandString renders the operand half of an x86asm.Inst, using the Intel
// syntax formatter and stripping the leading mnemonic it also includes.
func operandString(inst x86asm.Inst) string {
	full := x86asm.IntelSyntax(inst, 0, nil)
	mnemonic := strings.ToLower(inst.Op.String())
	rest := strings.TrimPrefix(strings.ToLower(full), mnemonic)
	return strings.TrimSpace(rest)
}

package rtti

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrDemangle is returned for type names the demangler does not understand.
var ErrDemangle = errors.New("cannot demangle")

const anonymousNamespace = "`anonymous namespace'"

// Demangle turns an MSVC RTTI type name such as ".?AVFoo@ns@@" into
// "ns::Foo". Only the name is recovered; class/struct keywords are dropped.
func Demangle(mangled string) (string, error) {
	s := strings.TrimPrefix(mangled, ".")
	if !strings.HasPrefix(s, "?A") || len(s) < 4 {
		return "", fmt.Errorf("%w: %q: not a type name", ErrDemangle, mangled)
	}
	d := &demangler{input: s, pos: 2}
	switch d.next() {
	case 'V', 'U', 'T':
	default:
		return "", fmt.Errorf("%w: %q: unsupported type kind", ErrDemangle, mangled)
	}
	name, err := d.qualifiedName()
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrDemangle, mangled, err)
	}
	if d.pos != len(d.input) {
		return "", fmt.Errorf("%w: %q: trailing data at %d", ErrDemangle, mangled, d.pos)
	}
	return name, nil
}

type demangler struct {
	input string
	pos   int
	names []string // name back references
	types []string // template argument back references
}

func (d *demangler) eof() bool {
	return d.pos >= len(d.input)
}

func (d *demangler) peek() byte {
	if d.eof() {
		return 0
	}
	return d.input[d.pos]
}

func (d *demangler) next() byte {
	c := d.peek()
	if !d.eof() {
		d.pos++
	}
	return c
}

func (d *demangler) consume(prefix string) bool {
	if strings.HasPrefix(d.input[d.pos:], prefix) {
		d.pos += len(prefix)
		return true
	}
	return false
}

func (d *demangler) remember(name string) {
	if len(d.names) < 10 {
		d.names = append(d.names, name)
	}
}

// qualifiedName reads fragments innermost first up to the closing '@'.
func (d *demangler) qualifiedName() (string, error) {
	var parts []string
	for {
		if d.eof() {
			return "", errors.New("unterminated name")
		}
		if d.consume("@") {
			break
		}
		part, err := d.fragment()
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return "", errors.New("empty name")
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "::"), nil
}

func (d *demangler) fragment() (string, error) {
	c := d.peek()
	switch {
	case c >= '0' && c <= '9':
		d.pos++
		idx := int(c - '0')
		if idx >= len(d.names) {
			return "", fmt.Errorf("bad name back reference %d", idx)
		}
		return d.names[idx], nil
	case d.consume("?$"):
		return d.template()
	case d.consume("?A"):
		// ?A0x<hash>@
		end := strings.IndexByte(d.input[d.pos:], '@')
		if end < 0 {
			return "", errors.New("unterminated anonymous namespace")
		}
		d.pos += end + 1
		d.remember(anonymousNamespace)
		return anonymousNamespace, nil
	case c == '?':
		d.pos++
		n, err := d.number()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("`%d'", n), nil
	}
	name, err := d.simpleName()
	if err != nil {
		return "", err
	}
	d.remember(name)
	return name, nil
}

func (d *demangler) simpleName() (string, error) {
	end := strings.IndexByte(d.input[d.pos:], '@')
	if end <= 0 {
		return "", errors.New("bad name fragment")
	}
	name := d.input[d.pos : d.pos+end]
	d.pos += end + 1
	return name, nil
}

// template reads "name@args@" with a fresh back reference scope. The whole
// instantiation is then remembered in the enclosing scope.
func (d *demangler) template() (string, error) {
	outerNames, outerTypes := d.names, d.types
	d.names, d.types = nil, nil
	full, err := d.templateBody()
	d.names, d.types = outerNames, outerTypes
	if err != nil {
		return "", err
	}
	d.remember(full)
	return full, nil
}

func (d *demangler) templateBody() (string, error) {
	name, err := d.simpleName()
	if err != nil {
		return "", err
	}
	d.remember(name)

	var args []string
	for !d.consume("@") {
		if d.eof() {
			return "", errors.New("unterminated template arguments")
		}
		start := d.pos
		arg, err := d.templateArg()
		if err != nil {
			return "", err
		}
		if arg == "" {
			continue
		}
		if d.pos-start > 1 && len(d.types) < 10 {
			d.types = append(d.types, arg)
		}
		args = append(args, arg)
	}
	return name + "<" + strings.Join(args, ",") + ">", nil
}

func (d *demangler) templateArg() (string, error) {
	switch {
	case d.consume("$0"):
		n, err := d.number()
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	case d.consume("$$V"), d.consume("$$Z"):
		return "", nil
	}
	return d.typ()
}

var primitives = map[byte]string{
	'C': "signed char",
	'D': "char",
	'E': "unsigned char",
	'F': "short",
	'G': "unsigned short",
	'H': "int",
	'I': "unsigned int",
	'J': "long",
	'K': "unsigned long",
	'M': "float",
	'N': "double",
	'O': "long double",
	'X': "void",
}

var extended = map[byte]string{
	'J': "__int64",
	'K': "unsigned __int64",
	'N': "bool",
	'S': "char16_t",
	'U': "char32_t",
	'W': "wchar_t",
}

func (d *demangler) typ() (string, error) {
	c := d.next()
	if name, ok := primitives[c]; ok {
		return name, nil
	}
	switch {
	case c >= '0' && c <= '9':
		idx := int(c - '0')
		if idx >= len(d.types) {
			return "", fmt.Errorf("bad type back reference %d", idx)
		}
		return d.types[idx], nil
	case c == '_':
		if name, ok := extended[d.next()]; ok {
			return name, nil
		}
		return "", errors.New("unknown extended type")
	case c == 'V' || c == 'U' || c == 'T':
		return d.qualifiedName()
	case c == 'W':
		if d.next() != '4' {
			return "", errors.New("unsupported enum width")
		}
		return d.qualifiedName()
	case c == 'P' || c == 'Q' || c == 'A':
		return d.pointer(c)
	}
	return "", fmt.Errorf("unknown type code %q", c)
}

// pointer reads [E][I]<cv><pointee> after a P (pointer), Q (const pointer)
// or A (reference) code.
func (d *demangler) pointer(kind byte) (string, error) {
	d.consume("E") // __ptr64
	d.consume("I") // __restrict
	cv := d.next()
	var qual string
	switch cv {
	case 'A':
	case 'B':
		qual = "const "
	case 'C':
		qual = "volatile "
	case 'D':
		qual = "const volatile "
	default:
		return "", fmt.Errorf("unknown pointer qualifier %q", cv)
	}
	inner, err := d.typ()
	if err != nil {
		return "", err
	}
	switch kind {
	case 'A':
		return qual + inner + "&", nil
	case 'Q':
		return qual + inner + "* const", nil
	}
	return qual + inner + "*", nil
}

// number decodes an MSVC encoded integer: an optional '?' sign, then either a
// single digit (value+1) or hex digits A-P terminated by '@'.
func (d *demangler) number() (int64, error) {
	neg := d.consume("?")
	c := d.peek()
	var n int64
	switch {
	case c >= '0' && c <= '9':
		d.pos++
		n = int64(c-'0') + 1
	default:
		digits := 0
		for {
			c = d.next()
			if c == '@' {
				break
			}
			if c < 'A' || c > 'P' || digits == 16 {
				return 0, errors.New("bad encoded number")
			}
			n = n<<4 | int64(c-'A')
			digits++
		}
	}
	if neg {
		n = -n
	}
	return n, nil
}

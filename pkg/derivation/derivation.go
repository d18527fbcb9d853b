// Package derivation parses Nix's ATerm-format .drv files into a structured
// Derivation value, without evaluating or resolving anything. The grammar
// (loosely, derivation-aterm version 1):
//
//	Derive(...)      ::= "Derive(" Outputs "," InputDrvs "," InputSrcs ","
//	                      System "," Builder "," Args "," Env ")"
//	Outputs          ::= "[" (Output ("," Output)*)? "]"
//	Output           ::= "(" string "," string "," string "," string ")"
//	InputDrvs        ::= "[" (InputDrv ("," InputDrv)*)? "]"
//	InputDrv         ::= "(" string "," OutputNames ")"
//	OutputNames      ::= "[" (string ("," string)*)? "]"
//	InputSrcs        ::= "[" (string ("," string)*)? "]"
//	Env              ::= "[" (EnvVar ("," EnvVar)*)? "]"
//	EnvVar           ::= "(" string "," string ")"
//
// Strings are double-quoted with C-like backslash escapes.
package derivation

import (
	"fmt"
	"strconv"
)

// Output is one entry of a Derivation's output map.
type Output struct {
	Path          string
	HashAlgorithm string
	Hash          string
}

// Derivation is the parsed content of a .drv file.
type Derivation struct {
	// Outputs maps output name (e.g. "out", "debug") to its Output descriptor.
	Outputs map[string]Output
	// InputDrvs maps an input .drv path to the set of its output names consumed.
	InputDrvs map[string][]string
	// InputSrcs is the set of plain (non-derivation) store paths this build reads.
	InputSrcs []string
	// System is the platform string the build runs on.
	System string
	// Builder is the store path of the build executable.
	Builder string
	// Args is the argument list passed to Builder.
	Args []string
	// Env holds the build environment variables, including notably "src",
	// "patches", "prePatch", "postPatch", "sourceRoot", and "name".
	Env map[string]string
}

// ParseError reports a syntax error at a byte offset in the .drv content.
type ParseError struct {
	Offset int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("derivation: parse error at offset %d: %s", e.Offset, e.Msg)
}

// Parse parses the raw ATerm content of a .drv file.
func Parse(data []byte) (*Derivation, error) {
	p := &parser{data: data}

	d, err := p.parseDerive()
	if err != nil {
		return nil, err
	}

	p.skipSpace()

	if p.pos != len(p.data) {
		return nil, p.errorf("unexpected trailing data")
	}

	return d, nil
}

type parser struct {
	data []byte
	pos  int
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return &ParseError{Offset: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) skipSpace() {
	for p.pos < len(p.data) {
		switch p.data[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) expect(b byte) error {
	p.skipSpace()

	if p.pos >= len(p.data) || p.data[p.pos] != b {
		return p.errorf("expected %q", b)
	}

	p.pos++

	return nil
}

func (p *parser) expectLiteral(s string) error {
	p.skipSpace()

	if p.pos+len(s) > len(p.data) || string(p.data[p.pos:p.pos+len(s)]) != s {
		return p.errorf("expected %q", s)
	}

	p.pos += len(s)

	return nil
}

// parseDerive parses the top-level Derive(...) call.
func (p *parser) parseDerive() (*Derivation, error) {
	if err := p.expectLiteral("Derive("); err != nil {
		return nil, err
	}

	outputs, err := p.parseOutputs()
	if err != nil {
		return nil, err
	}

	if err := p.expect(','); err != nil {
		return nil, err
	}

	inputDrvs, err := p.parseInputDrvs()
	if err != nil {
		return nil, err
	}

	if err := p.expect(','); err != nil {
		return nil, err
	}

	inputSrcs, err := p.parseStringList()
	if err != nil {
		return nil, err
	}

	if err := p.expect(','); err != nil {
		return nil, err
	}

	system, err := p.parseString()
	if err != nil {
		return nil, err
	}

	if err := p.expect(','); err != nil {
		return nil, err
	}

	builder, err := p.parseString()
	if err != nil {
		return nil, err
	}

	if err := p.expect(','); err != nil {
		return nil, err
	}

	args, err := p.parseStringList()
	if err != nil {
		return nil, err
	}

	if err := p.expect(','); err != nil {
		return nil, err
	}

	env, err := p.parseEnv()
	if err != nil {
		return nil, err
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}

	return &Derivation{
		Outputs:   outputs,
		InputDrvs: inputDrvs,
		InputSrcs: inputSrcs,
		System:    system,
		Builder:   builder,
		Args:      args,
		Env:       env,
	}, nil
}

func (p *parser) parseOutputs() (map[string]Output, error) {
	if err := p.expect('['); err != nil {
		return nil, err
	}

	outputs := map[string]Output{}

	if err := p.parseListBody(func() error {
		if err := p.expect('('); err != nil {
			return err
		}

		name, err := p.parseString()
		if err != nil {
			return err
		}

		if err := p.expect(','); err != nil {
			return err
		}

		path, err := p.parseString()
		if err != nil {
			return err
		}

		if err := p.expect(','); err != nil {
			return err
		}

		hashAlgo, err := p.parseString()
		if err != nil {
			return err
		}

		if err := p.expect(','); err != nil {
			return err
		}

		hash, err := p.parseString()
		if err != nil {
			return err
		}

		if err := p.expect(')'); err != nil {
			return err
		}

		outputs[name] = Output{Path: path, HashAlgorithm: hashAlgo, Hash: hash}

		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.expect(']'); err != nil {
		return nil, err
	}

	return outputs, nil
}

func (p *parser) parseInputDrvs() (map[string][]string, error) {
	if err := p.expect('['); err != nil {
		return nil, err
	}

	inputDrvs := map[string][]string{}

	if err := p.parseListBody(func() error {
		if err := p.expect('('); err != nil {
			return err
		}

		path, err := p.parseString()
		if err != nil {
			return err
		}

		if err := p.expect(','); err != nil {
			return err
		}

		names, err := p.parseStringList()
		if err != nil {
			return err
		}

		if err := p.expect(')'); err != nil {
			return err
		}

		inputDrvs[path] = names

		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.expect(']'); err != nil {
		return nil, err
	}

	return inputDrvs, nil
}

func (p *parser) parseEnv() (map[string]string, error) {
	if err := p.expect('['); err != nil {
		return nil, err
	}

	env := map[string]string{}

	if err := p.parseListBody(func() error {
		if err := p.expect('('); err != nil {
			return err
		}

		key, err := p.parseString()
		if err != nil {
			return err
		}

		if err := p.expect(','); err != nil {
			return err
		}

		val, err := p.parseString()
		if err != nil {
			return err
		}

		if err := p.expect(')'); err != nil {
			return err
		}

		env[key] = val

		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.expect(']'); err != nil {
		return nil, err
	}

	return env, nil
}

// parseListBody calls elem repeatedly, comma-separated, until the next
// non-space byte is ']'. It does not consume the brackets themselves.
func (p *parser) parseListBody(elem func() error) error {
	p.skipSpace()

	if p.pos < len(p.data) && p.data[p.pos] == ']' {
		return nil
	}

	for {
		if err := elem(); err != nil {
			return err
		}

		p.skipSpace()

		if p.pos < len(p.data) && p.data[p.pos] == ',' {
			p.pos++

			continue
		}

		return nil
	}
}

func (p *parser) parseStringList() ([]string, error) {
	if err := p.expect('['); err != nil {
		return nil, err
	}

	var ss []string

	if err := p.parseListBody(func() error {
		s, err := p.parseString()
		if err != nil {
			return err
		}

		ss = append(ss, s)

		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.expect(']'); err != nil {
		return nil, err
	}

	return ss, nil
}

// parseString parses a double-quoted ATerm string, byte-exact for the
// escapes Nix emits (\", \\, \n, \r, \t).
func (p *parser) parseString() (string, error) {
	if err := p.expect('"'); err != nil {
		return "", err
	}

	start := p.pos

	var buf []byte

	escaped := false

	for {
		if p.pos >= len(p.data) {
			return "", p.errorf("unterminated string")
		}

		c := p.data[p.pos]

		if c == '"' {
			p.pos++

			if !escaped {
				return string(p.data[start:p.pos-1]), nil
			}

			return string(buf), nil
		}

		if c == '\\' {
			if !escaped {
				escaped = true
				buf = append(buf, p.data[start:p.pos]...)
			}

			p.pos++

			if p.pos >= len(p.data) {
				return "", p.errorf("unterminated escape")
			}

			switch p.data[p.pos] {
			case 'n':
				buf = append(buf, '\n')
			case 'r':
				buf = append(buf, '\r')
			case 't':
				buf = append(buf, '\t')
			case '"', '\\':
				buf = append(buf, p.data[p.pos])
			default:
				// Other escapes (Nix never emits these): decoded as a Go
				// escape where that is valid, else the backslash is dropped
				// and the byte after it kept.
				unquoted, err := strconv.Unquote(`"\` + string(p.data[p.pos]) + `"`)
				if err != nil {
					buf = append(buf, p.data[p.pos])
				} else {
					buf = append(buf, unquoted...)
				}
			}

			p.pos++

			continue
		}

		if escaped {
			buf = append(buf, c)
		}

		p.pos++
	}
}

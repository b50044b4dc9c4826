package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Builder accumulates syscall rules onto a deny-by-default OCI seccomp
// profile. Anything not named by a rule fails with EPERM. The
// interpreter's syscall needs are small and enumerable.
type Builder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *Builder {
	return &Builder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

// AllowSyscalls adds one allow rule covering names.
func (b *Builder) AllowSyscalls(names ...string) *Builder {
	return b.rule(specs.ActAllow, names)
}

// BlockSyscalls adds an explicit EPERM rule. Redundant with the
// default action but keeps the denial visible when the profile is
// inspected or converted.
func (b *Builder) BlockSyscalls(names ...string) *Builder {
	return b.rule(specs.ActErrno, names)
}

// TrapSyscalls makes names fault with SIGSYS so a breach attempt kills
// the interpreter rather than returning an error it could swallow.
func (b *Builder) TrapSyscalls(names ...string) *Builder {
	return b.rule(specs.ActTrap, names)
}

func (b *Builder) rule(action specs.LinuxSeccompAction, names []string) *Builder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: action,
	})
	return b
}

func (b *Builder) Build() *specs.LinuxSeccomp {
	return b.profile
}

package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// luaSyscalls enumerates what a single-threaded Lua 5.4 process on a
// musl base actually touches: file access on its two mounts, memory
// management, libc startup, signals and time. No spawning, no fd
// passing, no event loops.
func luaSyscalls(b *Builder) *Builder {
	return b.
		AllowSyscalls(
			// Descriptor I/O: the harness reads /workspace and writes /out.
			"read", "write", "readv", "writev",
			"open", "openat", "close", "lseek",
			"fcntl", "dup", "ioctl",
		).
		AllowSyscalls(
			// Path metadata for loadfile and io.open.
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"readlink", "readlinkat",
			"getdents64", "getcwd",
			"unlink", "unlinkat",
		).
		AllowSyscalls(
			// Allocator traffic.
			"brk", "mmap", "munmap", "mprotect", "mremap", "madvise",
		).
		AllowSyscalls(
			// musl startup and the one execve that launches the
			// interpreter; the runtime installs this profile before it.
			"execve",
			"arch_prctl", "prctl",
			"set_tid_address", "set_robust_list",
			"futex", "gettid", "tgkill",
			"exit", "exit_group",
		).
		AllowSyscalls(
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
		).
		AllowSyscalls(
			// os.time, os.clock, os.date.
			"clock_gettime", "clock_getres",
			"gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		AllowSyscalls(
			"getpid", "getppid",
			"getuid", "geteuid", "getgid", "getegid",
			"uname",
			"getrlimit", "prlimit64",
			// math.random seeding.
			"getrandom",
		)
}

func deniedSyscalls(b *Builder) *Builder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			// No spawning: the interpreter is the only process.
			"fork", "vfork", "clone", "clone3", "execveat",
			"wait4", "waitid",
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality",
			"ioperm", "iopl",
		)
}

// DefaultProfile returns a deny-by-default seccomp profile sized to a
// lone Lua interpreter. There is no network variant: the socket family
// stays on the default-deny path.
func DefaultProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = luaSyscalls(b)
	b = deniedSyscalls(b)
	return b.Build()
}

package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// dockerProfile mirrors the JSON shape Docker's --security-opt
// seccomp=<file> expects. The OCI action and arch constants already
// use the SCMP_* spellings Docker wants, so the conversion is a
// straight field mapping.
type dockerProfile struct {
	DefaultAction string          `json:"defaultAction"`
	Architectures []string        `json:"architectures"`
	Syscalls      []dockerSyscall `json:"syscalls"`
}

type dockerSyscall struct {
	Names  []string    `json:"names"`
	Action string      `json:"action"`
	Args   []dockerArg `json:"args,omitempty"`
}

type dockerArg struct {
	Index    uint   `json:"index"`
	Value    uint64 `json:"value"`
	ValueTwo uint64 `json:"valueTwo"`
	Op       string `json:"op"`
}

// DockerProfileJSON renders DefaultProfile in the file format the
// Docker CLI accepts.
func DockerProfileJSON() ([]byte, error) {
	return toDockerJSON(DefaultProfile())
}

func toDockerJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	out := dockerProfile{
		DefaultAction: string(p.DefaultAction),
	}
	for _, arch := range p.Architectures {
		out.Architectures = append(out.Architectures, string(arch))
	}
	for _, sc := range p.Syscalls {
		ds := dockerSyscall{
			Names:  sc.Names,
			Action: string(sc.Action),
		}
		for _, a := range sc.Args {
			ds.Args = append(ds.Args, dockerArg{
				Index:    a.Index,
				Value:    a.Value,
				ValueTwo: a.ValueTwo,
				Op:       string(a.Op),
			})
		}
		out.Syscalls = append(out.Syscalls, ds)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshaling seccomp profile: %w", err)
	}
	return data, nil
}

package syscalls

// Syscall numbers the host ships a descriptor for out of the box,
// matching spec.md §8's worked scenarios. A real deployment supplies
// its own table sized to the guest kernel's actual syscall surface;
// this one exists so the translator has something concrete to exercise
// end to end.
const (
	SysOpenat uint32 = 257 // Linux's openat number, per spec.md §8 scenario 3
	SysReadv  uint32 = 19  // Linux's readv number, per spec.md §8 scenario 4
)

// DefaultTable returns the descriptor table for SysOpenat and SysReadv
// used by the controller when the embedder supplies no table of its
// own.
func DefaultTable() DescriptorTable {
	return DescriptorTable{
		SysOpenat: {
			Name: "openat",
			Args: []Arg{
				{
					Index:     1,
					Kind:      ArgPointer,
					Direction: DirIn,
					Length:    LengthNulTerminated,
				},
			},
		},
		SysReadv: {
			Name: "readv",
			Args: []Arg{
				{
					Index:              1,
					Kind:               ArgIOVec,
					Direction:          DirOut,
					IOVecCountArgIndex: 2,
				},
			},
		},
	}
}

package agency

// noCopy may be embedded into structs which must not be copied after the
// first use. go vet's copylocks check flags any later value copy.
//
// See https://golang.org/issues/8005#issuecomment-190753527 for details.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

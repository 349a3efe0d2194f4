package cluster

import (
	"fmt"
	"strings"
)

// Requirements carries the cluster_requirements mapping from the settings
// document. It is the union of the Condor, Slurm, and Local field sets; a
// backend reads only the fields relevant to it.
type Requirements struct {
	RequestCPUs int
	RequestGPUs int
	MemoryInMB  int

	// Condor.
	Bid                 int
	CudaRequirement     string
	GPUMemoryMB         int
	HostnameList        []string
	ConcurrencyLimitTag string
	ConcurrencyLimit    int

	// Slurm.
	Partition   string
	RequestTime string

	ForbiddenHostnames     []string
	ExtraSubmissionOptions []string
}

// concurrencyLimitMax is HTCondor's fixed pool-wide maximum against which a
// per-user concurrency limit is expressed (concurrency_limits=user.tag:MAX/limit).
const concurrencyLimitMax = 10000

// condorRequirementsExpr assembles the optional requirements= ClassAd
// expression from the CUDA, GPU memory, and hostname constraints. Returns
// "" when no constraint is configured.
func (r Requirements) condorRequirementsExpr() string {
	var clauses []string
	if r.CudaRequirement != "" {
		clauses = append(clauses, fmt.Sprintf("(TARGET.CUDACapability >= %s)", r.CudaRequirement))
	}
	if r.GPUMemoryMB > 0 {
		clauses = append(clauses, fmt.Sprintf("(TARGET.CUDAGlobalMemoryMb >= %d)", r.GPUMemoryMB))
	}
	if len(r.HostnameList) > 0 {
		hosts := make([]string, len(r.HostnameList))
		for i, h := range r.HostnameList {
			hosts[i] = fmt.Sprintf("(UtsnameNodename == %q)", h)
		}
		clauses = append(clauses, "("+strings.Join(hosts, " || ")+")")
	}
	for _, h := range r.ForbiddenHostnames {
		clauses = append(clauses, fmt.Sprintf("(UtsnameNodename =!= %q)", h))
	}
	return strings.Join(clauses, " && ")
}

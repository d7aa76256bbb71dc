package pmm

// TopologyFunc maps a physical address to its NUMA node. Real topology
// discovery (ACPI SRAT parsing) belongs to a firmware collaborator;
// the manager only records the answer per frame during bootstrap.
type TopologyFunc func(addr PhysAddr) int

// DefaultTopology treats the machine as a single node. Used until a
// discovery collaborator supplies something better.
func DefaultTopology(PhysAddr) int { return 0 }

package models

// Subnet is one network placement option inside a region.
type Subnet struct {
	ID               string
	AvailabilityZone string
}

// ProvisionCandidate is one (region, subnet) pair considered for instance
// placement. Ordering is significant: candidates are tried strictly in the
// order the planner emits them, for both the spot and on-demand phases.
type ProvisionCandidate struct {
	Region          string
	ImageID         string
	InstanceType    string
	MaxSpotPrice    string
	SecurityGroupID string
	Subnet          Subnet
}

// AcquisitionResult is produced exactly once per successful acquisition.
type AcquisitionResult struct {
	InstanceID       string
	Region           string
	AcquisitionKind  AcquisitionKind
	AvailabilityZone string
}

// SpotRequestState mirrors the lifecycle states of an EC2 spot instance
// request.
type SpotRequestState string

const (
	SpotRequestPending   SpotRequestState = "pending"
	SpotRequestActive    SpotRequestState = "active"
	SpotRequestCancelled SpotRequestState = "cancelled"
	SpotRequestFailed    SpotRequestState = "failed"
	SpotRequestClosed    SpotRequestState = "closed"
)

// SpotRequest is the ephemeral handle for an in-flight spot request. The
// acquirer owns it and must cancel it on any exit path that does not yield
// a running instance.
type SpotRequest struct {
	RequestID  string
	State      SpotRequestState
	InstanceID string
}

// RunningWorker describes an already-running or pending worker instance
// found by the pre-launch probe.
type RunningWorker struct {
	InstanceID string
	LaunchTime string
	JobTag     string
}

// ProbeResult is the outcome of scanning all catalog regions for workers.
type ProbeResult struct {
	Found     bool
	Region    string
	Instances []RunningWorker
}

package version

// Set at build time with
//
//	-ldflags "-X github.com/chmdznr/journal-sync/pkg/version.Version=... -X ...GitCommit=... -X ...BuildTime=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

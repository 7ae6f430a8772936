package bytebuddy

// Set at build time with -ldflags "-X ..."
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

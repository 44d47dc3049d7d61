package constant

import "os"

// <NodeDir>/                    (e.g., /home/organizer/.hcertd)
// └── config/
//	└── hcertd_config.json
// └── data/
//	└── issuance.db

const (
	NodeDir = ".hcertd"

	ConfigSubdir   = "config"
	ConfigFileName = "hcertd_config.json"

	DataSubdir     = "data"
	DatabaseFile   = "issuance.db"
	EnvPrefix      = "HCERT"
	DefaultAPIPort = 8080
)

var DefaultNodeHome = os.ExpandEnv("$HOME/") + NodeDir

package config

import "embed"

const lockPolicySchemaFile = "schema/lock_policy.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS

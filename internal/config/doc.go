// Package config loads medrec configuration from ~/.config/medrec/config.yaml.
//
// Defaults from GetDefaultConfig are applied first and the YAML file is
// unmarshalled on top, so a file only needs the fields it changes. A typical
// file:
//
//	backend:
//	  baseURL: https://api.clinic.example.com
//	  tenantHeader: X-Tenant-ID
//	identity:
//	  issuer: https://id.clinic.example.com
//	  clientID: medrec-cli
//	  proactiveRefresh: 1m
//	session:
//	  file: session.json
//	  watch: true
package config

// Package metadata generates cloud-init NoCloud seed disks: a FAT12 image
// labelled CIDATA carrying meta-data, user-data and network-config, attached
// to firmware-booted guests as a read-only disk.
package metadata

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"text/template"
)

const cidataLabel = "CIDATA"

// NetworkInfo is one NIC's addressing for the network-config document.
type NetworkInfo struct {
	IP      string
	Prefix  int
	Gateway string
	Device  string
	Mac     string
}

// Config holds the inputs for generating cloud-init NoCloud metadata.
type Config struct {
	InstanceID   string
	Hostname     string
	RootPassword string
	Networks     []NetworkInfo
}

var tmplFuncs = template.FuncMap{
	// yamlQuote escapes single quotes for YAML single-quoted strings.
	"yamlQuote": func(s string) string {
		return strings.ReplaceAll(s, "'", "''")
	},
}

var metaDataTmpl = template.Must(template.New("meta-data").Parse(
	"instance-id: {{.InstanceID}}\nlocal-hostname: {{.Hostname}}\n"))

var userDataTmpl = template.Must(template.New("user-data").Funcs(tmplFuncs).Parse(`#cloud-config
{{- if .RootPassword}}
chpasswd:
  expire: false
  list:
    - 'root:{{yamlQuote .RootPassword}}'
ssh_pwauth: true
disable_root: false
{{- end}}
`))

var networkConfigTmpl = template.Must(template.New("network-config").Parse(`version: 2
ethernets:
{{- range .Networks}}
  {{.Device}}:
    match:
      macaddress: {{.Mac}}
    set-name: {{.Device}}
    addresses:
      - {{.IP}}/{{.Prefix}}
{{- if .Gateway}}
    gateway4: {{.Gateway}}
{{- end}}
{{- end}}
`))

// Generate streams a cloud-init NoCloud cidata disk image (FAT12) to w.
func Generate(w io.Writer, cfg *Config) error {
	files := make(map[string][]byte, 3) //nolint:mnd

	var buf bytes.Buffer
	if err := metaDataTmpl.Execute(&buf, cfg); err != nil {
		return fmt.Errorf("render meta-data: %w", err)
	}
	files["meta-data"] = bytes.Clone(buf.Bytes())

	buf.Reset()
	if err := userDataTmpl.Execute(&buf, cfg); err != nil {
		return fmt.Errorf("render user-data: %w", err)
	}
	files["user-data"] = bytes.Clone(buf.Bytes())

	if len(cfg.Networks) > 0 {
		buf.Reset()
		if err := networkConfigTmpl.Execute(&buf, cfg); err != nil {
			return fmt.Errorf("render network-config: %w", err)
		}
		files["network-config"] = buf.Bytes()
	}

	return CreateFAT12(w, cidataLabel, files)
}

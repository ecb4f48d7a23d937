package cluster

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Credentials holds what is needed to reach a cluster API server, parsed
// out of a kubeconfig written by the bootstrap step.
type Credentials struct {
	Server   string
	Token    string
	caPEM    []byte
	certPEM  []byte
	keyPEM   []byte
	insecure bool
}

type kubeconfigFile struct {
	Clusters []struct {
		Name    string `yaml:"name"`
		Cluster struct {
			Server                string `yaml:"server"`
			CertificateAuthority  string `yaml:"certificate-authority-data"`
			InsecureSkipTLSVerify bool   `yaml:"insecure-skip-tls-verify"`
		} `yaml:"cluster"`
	} `yaml:"clusters"`
	Users []struct {
		Name string `yaml:"name"`
		User struct {
			Token             string `yaml:"token"`
			ClientCertificate string `yaml:"client-certificate-data"`
			ClientKey         string `yaml:"client-key-data"`
		} `yaml:"user"`
	} `yaml:"users"`
}

// LoadKubeconfig reads credentials from the kubeconfig at path. Only the
// first cluster and user entries are considered; that is all single-node
// bootstrap kubeconfigs carry.
func LoadKubeconfig(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read kubeconfig: %w", err)
	}
	return ParseKubeconfig(data)
}

// ParseKubeconfig extracts credentials from raw kubeconfig YAML.
func ParseKubeconfig(data []byte) (Credentials, error) {
	var cfg kubeconfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Credentials{}, fmt.Errorf("parse kubeconfig: %w", err)
	}
	if len(cfg.Clusters) == 0 {
		return Credentials{}, fmt.Errorf("kubeconfig has no clusters")
	}

	cluster := cfg.Clusters[0].Cluster
	if cluster.Server == "" {
		return Credentials{}, fmt.Errorf("kubeconfig cluster has no server")
	}

	creds := Credentials{
		Server:   cluster.Server,
		insecure: cluster.InsecureSkipTLSVerify,
	}

	if cluster.CertificateAuthority != "" {
		ca, err := base64.StdEncoding.DecodeString(cluster.CertificateAuthority)
		if err != nil {
			return Credentials{}, fmt.Errorf("decode certificate authority: %w", err)
		}
		creds.caPEM = ca
	}

	if len(cfg.Users) > 0 {
		user := cfg.Users[0].User
		creds.Token = user.Token
		if user.ClientCertificate != "" && user.ClientKey != "" {
			cert, err := base64.StdEncoding.DecodeString(user.ClientCertificate)
			if err != nil {
				return Credentials{}, fmt.Errorf("decode client certificate: %w", err)
			}
			key, err := base64.StdEncoding.DecodeString(user.ClientKey)
			if err != nil {
				return Credentials{}, fmt.Errorf("decode client key: %w", err)
			}
			creds.certPEM = cert
			creds.keyPEM = key
		}
	}

	return creds, nil
}

// tlsConfig builds the TLS settings implied by the credentials.
func (c Credentials) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: c.insecure}

	if len(c.caPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(c.caPEM) {
			return nil, fmt.Errorf("kubeconfig certificate authority is not valid PEM")
		}
		cfg.RootCAs = pool
	}

	if len(c.certPEM) > 0 && len(c.keyPEM) > 0 {
		pair, err := tls.X509KeyPair(c.certPEM, c.keyPEM)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	return cfg, nil
}

package explorer

const (
	defaultDomain          = "etherscan.io"
	defaultSubdomainPrefix = "api"
)

// Network is the host an explorer API for one chain is served from
type Network struct {
	Domain    string
	Subdomain string
}

// BaseURL returns the API endpoint of the network
func (n Network) BaseURL() string {
	return "https://" + n.Subdomain + "." + n.Domain + "/api"
}

// SupportedNetworks maps chain ids to their Etherscan-compatible explorer
var SupportedNetworks = map[uint64]Network{
	1:        {Domain: defaultDomain, Subdomain: defaultSubdomainPrefix},
	5:        {Domain: defaultDomain, Subdomain: defaultSubdomainPrefix + "-goerli"},
	11155111: {Domain: defaultDomain, Subdomain: defaultSubdomainPrefix + "-sepolia"},
	10:       {Domain: defaultDomain, Subdomain: defaultSubdomainPrefix + "-optimistic"},
	11155420: {Domain: defaultDomain, Subdomain: defaultSubdomainPrefix + "-sepolia-optimistic"},
	59140:    {Domain: "lineascan.build", Subdomain: "goerli"},
	59141:    {Domain: "lineascan.build", Subdomain: "sepolia"},
	59144:    {Domain: "lineascan.build", Subdomain: defaultSubdomainPrefix},
	56:       {Domain: "bscscan.com", Subdomain: defaultSubdomainPrefix},
	97:       {Domain: "bscscan.com", Subdomain: defaultSubdomainPrefix + "-testnet"},
	137:      {Domain: "polygonscan.com", Subdomain: defaultSubdomainPrefix},
	80001:    {Domain: "polygonscan.com", Subdomain: defaultSubdomainPrefix + "-mumbai"},
	43114:    {Domain: "snowtrace.io", Subdomain: defaultSubdomainPrefix},
	43113:    {Domain: "snowtrace.io", Subdomain: defaultSubdomainPrefix + "-testnet"},
	250:      {Domain: "ftmscan.com", Subdomain: defaultSubdomainPrefix},
	4002:     {Domain: "ftmscan.com", Subdomain: defaultSubdomainPrefix + "-testnet"},
	1284:     {Domain: "moonscan.io", Subdomain: defaultSubdomainPrefix + "-moonbeam"},
	1287:     {Domain: "moonscan.io", Subdomain: defaultSubdomainPrefix + "-moonbase"},
	1285:     {Domain: "moonscan.io", Subdomain: defaultSubdomainPrefix + "-moonriver"},
	100:      {Domain: "gnosisscan.io", Subdomain: defaultSubdomainPrefix + "-gnosis"},
}

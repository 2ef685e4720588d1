package config

import (
	"os"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

type CatalogSuite struct{}

var _ = check.Suite(&CatalogSuite{})

var catalogYAML = []byte(`
regions:
  - name: us-east-1
    image_id: ami-east
    max_spot_price: "0.45"
    security_group: transcribe
  - name: eu-west-1
    image_id: ami-CHANGEME
    security_group: transcribe
`)

func (s *CatalogSuite) TestParsePreservesOrder(c *check.C) {
	catalog, err := ParseCatalog(catalogYAML)
	c.Assert(err, check.IsNil)
	c.Assert(catalog.Regions, check.HasLen, 2)
	c.Check(catalog.Regions[0].Name, check.Equals, "us-east-1")
	c.Check(catalog.Regions[0].ImageID, check.Equals, "ami-east")
	c.Check(catalog.Regions[0].MaxSpotPrice, check.Equals, "0.45")
	c.Check(catalog.Regions[1].Name, check.Equals, "eu-west-1")
	c.Check(catalog.Regions[1].ImageID, check.Equals, ImagePlaceholder)
}

func (s *CatalogSuite) TestParseRejectsEmptyCatalog(c *check.C) {
	_, err := ParseCatalog([]byte("regions: []\n"))
	c.Check(err, check.ErrorMatches, "region catalog is empty")

	_, err = ParseCatalog([]byte("{"))
	c.Check(err, check.ErrorMatches, "invalid region catalog: .*")
}

func (s *CatalogSuite) TestParseRejectsUnnamedRegion(c *check.C) {
	_, err := ParseCatalog([]byte("regions:\n  - image_id: ami-east\n"))
	c.Check(err, check.ErrorMatches, "region catalog entry 0 has no name")
}

func (s *CatalogSuite) TestApplyDefaults(c *check.C) {
	catalog, err := ParseCatalog(catalogYAML)
	c.Assert(err, check.IsNil)

	catalog.ApplyDefaults(&Config{InstanceType: "g4dn.xlarge", MaxSpotPrice: "0.50"})
	// Explicit per-region values survive, gaps are filled.
	c.Check(catalog.Regions[0].MaxSpotPrice, check.Equals, "0.45")
	c.Check(catalog.Regions[0].InstanceType, check.Equals, "g4dn.xlarge")
	c.Check(catalog.Regions[1].MaxSpotPrice, check.Equals, "0.50")
	c.Check(catalog.Regions[1].InstanceType, check.Equals, "g4dn.xlarge")
}

type ConfigSuite struct{}

var _ = check.Suite(&ConfigSuite{})

var configEnvVars = []string{
	"STORE_BACKEND", "SERVER_PORT",
	"SPOT_POLL_INTERVAL", "SPOT_WAIT_MAX", "FAIL_AFTER",
}

func (s *ConfigSuite) SetUpTest(c *check.C) {
	for _, key := range configEnvVars {
		os.Unsetenv(key)
	}
}

func (s *ConfigSuite) TearDownTest(c *check.C) {
	for _, key := range configEnvVars {
		os.Unsetenv(key)
	}
}

func (s *ConfigSuite) TestDefaults(c *check.C) {
	cfg := Load()
	c.Check(cfg.StoreBackend, check.Equals, "postgres")
	c.Check(cfg.ServerPort, check.Equals, "8080")
	c.Check(cfg.SpotPollInterval.Seconds(), check.Equals, 10.0)
	c.Check(cfg.SpotWaitMax.Minutes(), check.Equals, 3.0)
	c.Check(cfg.FailAfter.Minutes(), check.Equals, 45.0)
}

func (s *ConfigSuite) TestDurationOverrides(c *check.C) {
	os.Setenv("SPOT_WAIT_MAX", "5m")
	os.Setenv("FAIL_AFTER", "0")
	cfg := Load()
	c.Check(cfg.SpotWaitMax.Minutes(), check.Equals, 5.0)
	// Bare integers are read as seconds; zero disables the timeout branch.
	c.Check(cfg.FailAfter.Seconds(), check.Equals, 0.0)
}

// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

// DefaultYAML is the compiled-in configuration. Site config files are
// loaded on top of these defaults; "xxxxx" is replaced with each
// deployment ID found in the site config.
var DefaultYAML = []byte(`
Deployments:
  xxxxx:
    ManagementToken: ""
    SystemLogs:
      LogLevel: info
      Format: json
    Listen:
      Controller: ":9310"
      AutoScaler: ":9311"
    PostgreSQL:
      Connection: {}
      ConnectionPool: 32
    Broker:
      Driver: memory
      Redis:
        Address: "127.0.0.1:6379"
        Password: ""
        DB: 0
    Fleet:
      Driver: stub
      RoleName: jobhost
      EC2:
        Region: ""
        AccessKeyID: ""
        SecretAccessKey: ""
        SubnetID: ""
        SecurityGroupID: ""
        ImageID: ""
        InstanceType: ""
        KeyPairName: ""
        AdminUsername: admin
    JobHosts:
      DequeueLeaseTime: 5m
      MaxDequeueCount: 3
      EmptyPollsBeforeIdle: 10
      IdlePingInterval: 1m
      PollInterval: 2s
      TenantRoot: /var/lib/jobfleet/tenants
    SingleJobCancellation:
      Enabled: true
      TimeWindow: 2h
      MessageTTL: 1h
    AutoScaler:
      Enabled: true
      ScaleInterval: 30s
      CommandPollTimeout: 10s
      MaximumJobHosts: 20
      MinimumRunningJobHosts: 1
      MaximumIdleJobHosts: 2
      IdleTime: 10m
      JobsPerWorker: 10
`)

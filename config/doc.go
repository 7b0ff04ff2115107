// Package config loads the YAML description of an emulated device.
//
// A device file names the device, lists its endpoints, and carries the
// request table the device answers from:
//
//	name: scope1
//	queue:
//	  capacity: 512
//	metrics:
//	  enabled: true
//	  port: 9090
//	endpoints:
//	  - name: lan
//	    type: tcp
//	    address: 127.0.0.1
//	    port: 5025
//	    stop_timeout: 5s
//	    properties:
//	      terminator: lf
//	properties:
//	  case_sensitive: false
//	  terminator: lf
//	requests:
//	  "*idn?": "ACME,SCOPE,1234,1.0"
//
// # Loading
//
//	cfg, err := config.NewLoader().LoadFile("scope.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// The loader applies defaults, then environment overrides
// (ATTICUS_QUEUE_CAPACITY, ATTICUS_METRICS_PORT, ATTICUS_METRICS_ENABLED),
// then validation. Unknown keys are rejected.
//
// Durations accept Go syntax ("250ms", "5s"), a day suffix ("2d"), or bare
// integers meaning seconds.
//
// # Endpoint properties
//
// Transport specific settings live in each endpoint's properties map. The
// Get* helpers read them without panicking on unexpected types:
//
//	tries := config.GetInt(ep.Properties, "max_bind_tries", 10)
package config

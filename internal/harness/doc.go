// Package harness runs query identifier tracking scenarios against an
// in-process server with the tracker preloaded.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	host:
//	  max_connections: 4
//	  max_prepared_transactions: 2
//	settings:
//	  queryid.track_utility: "on"
//	sessions:
//	  - name: alice
//	  - name: admin
//	    role: superuser
//	steps:
//	  - session: alice
//	    exec: "CREATE TABLE t (id INTEGER)"
//	    expect:
//	      utility: "CREATE TABLE t (id INTEGER)"
//	  - session: alice
//	    exec: "SELECT * FROM t WHERE id = 1"
//	    expect:
//	      statement: "select * from t where id = 42"
//	  - session: alice
//	    disconnect: true
//	    expect:
//	      zero: true
//	assertions:
//	  - type: distinct_ids
//	    steps: [1, 2]
//	  - type: final_state
//	    table: t
//	    where: { id: 1 }
//	    expect: { id: 1 }
//
// Every step records the acting session's registry value after it ran, plus
// the tracker's lookup for every declared session.
//
// # Expect Clauses
//
// An expect clause checks the acting session's recorded value:
//
//   - query_id: an exact signed identifier
//   - utility: the text hash of a utility statement
//   - statement: the native identifier of a DML statement
//   - zero: nothing recorded
//   - error: the server error code the step must fail with
//
// A step without an error expectation must succeed.
//
// # Assertion Types
//
//   - same_id: the listed steps recorded one identifier
//   - distinct_ids: the listed steps recorded pairwise different identifiers
//   - final_state: a row of a table holds the expected values
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory SQLite database, process ids starting at
// FirstPID, session ids from a sequence named after the scenario, and a
// deterministic step clock (testutil.DeterministicClock). Traces are
// therefore identical across runs and suitable for golden comparison.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/utility.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness

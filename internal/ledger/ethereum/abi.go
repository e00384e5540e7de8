package ethereum

// TrustNetABI is the interface of the deployed TrustNet contract.
const TrustNetABI = `[
  {"type":"function","name":"getProfile","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[
     {"name":"name","type":"string"},
     {"name":"ipfsHash","type":"string"},
     {"name":"overallScore","type":"uint256"},
     {"name":"financialScore","type":"uint256"},
     {"name":"professionalScore","type":"uint256"},
     {"name":"socialScore","type":"uint256"},
     {"name":"isActive","type":"bool"}]},
  {"type":"function","name":"getReferences","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[{"name":"","type":"tuple[]","components":[
     {"name":"name","type":"string"},
     {"name":"relationshipType","type":"string"},
     {"name":"ipfsHash","type":"string"},
     {"name":"isVerified","type":"bool"},
     {"name":"timestamp","type":"uint256"}]}]},
  {"type":"function","name":"updateProfile","stateMutability":"nonpayable",
   "inputs":[{"name":"name","type":"string"},{"name":"ipfsHash","type":"string"}],"outputs":[]},
  {"type":"function","name":"updateScores","stateMutability":"nonpayable",
   "inputs":[
     {"name":"user","type":"address"},
     {"name":"overallScore","type":"uint256"},
     {"name":"financialScore","type":"uint256"},
     {"name":"professionalScore","type":"uint256"},
     {"name":"socialScore","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"addReference","stateMutability":"nonpayable",
   "inputs":[
     {"name":"name","type":"string"},
     {"name":"relationshipType","type":"string"},
     {"name":"ipfsHash","type":"string"}],"outputs":[]},
  {"type":"function","name":"verifyReference","stateMutability":"nonpayable",
   "inputs":[{"name":"user","type":"address"},{"name":"referenceIndex","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"authorizeVerifier","stateMutability":"nonpayable",
   "inputs":[{"name":"verifier","type":"address"}],"outputs":[]},
  {"type":"function","name":"authorizeAI","stateMutability":"nonpayable",
   "inputs":[{"name":"aiAddress","type":"address"}],"outputs":[]},
  {"type":"event","name":"ProfileUpdated","anonymous":false,
   "inputs":[
     {"name":"user","type":"address","indexed":true},
     {"name":"name","type":"string","indexed":false},
     {"name":"ipfsHash","type":"string","indexed":false}]},
  {"type":"event","name":"ScoresUpdated","anonymous":false,
   "inputs":[
     {"name":"user","type":"address","indexed":true},
     {"name":"overallScore","type":"uint256","indexed":false}]},
  {"type":"event","name":"ReferenceAdded","anonymous":false,
   "inputs":[
     {"name":"user","type":"address","indexed":true},
     {"name":"name","type":"string","indexed":false},
     {"name":"relationshipType","type":"string","indexed":false}]},
  {"type":"event","name":"ReferenceVerified","anonymous":false,
   "inputs":[
     {"name":"user","type":"address","indexed":true},
     {"name":"referenceIndex","type":"uint256","indexed":false}]}
]`
